package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/dentamind/dispatch/request"
)

// Logging returns middleware that logs request start and settlement.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *request.Request, next Handler) (*request.Result, error) {
		logger.Debug("request executing",
			slog.String("request_id", r.ID.String()),
			slog.String("category", r.Category.String()),
			slog.Int("priority", r.Priority),
		)

		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("request failed",
				slog.String("request_id", r.ID.String()),
				slog.String("category", r.Category.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			tokens := 0
			if res != nil {
				tokens = res.Tokens
			}
			logger.Info("request completed",
				slog.String("request_id", r.ID.String()),
				slog.String("category", r.Category.String()),
				slog.Duration("elapsed", elapsed),
				slog.Int("tokens", tokens),
			)
		}

		return res, err
	}
}
