package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/dentamind/dispatch/request"
)

// Recover returns middleware that recovers from panics in the task chain.
// Panics are converted to errors and logged with a stack trace, so one
// misbehaving task settles its own request instead of crashing the worker.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *request.Request, next Handler) (res *request.Result, retErr error) {
		defer func() {
			if p := recover(); p != nil {
				stack := string(debug.Stack())
				logger.Error("task panicked",
					slog.String("request_id", r.ID.String()),
					slog.String("category", r.Category.String()),
					slog.Any("panic", p),
					slog.String("stack", stack),
				)
				res = nil
				retErr = fmt.Errorf("panic in %s task: %v", r.Category, p)
			}
		}()
		return next(ctx)
	}
}
