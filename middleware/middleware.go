// Package middleware provides composable middleware for request execution.
// Middleware wraps the task call synchronously and can modify execution
// (recover from panics, log, add tracing and metrics, etc.).
package middleware

import (
	"context"

	"github.com/dentamind/dispatch/request"
)

// Handler is the terminal function that executes the request's task under
// its credential binding.
type Handler func(ctx context.Context) (*request.Result, error)

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the request being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, r *request.Request, next Handler) (*request.Result, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, metrics) executes as:
//
//	logging → recover → metrics → task
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, r *request.Request, next Handler) (*request.Result, error) {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (*request.Result, error) {
				return mw(ctx, r, prev)
			}
		}
		return h(ctx)
	}
}
