// Package ext defines the extension system for dispatch.
// Extensions are notified of request lifecycle events (queued, admitted,
// completed, timed out, etc.) and can react to them — logging, metrics,
// audit trails.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/dentamind/dispatch/credential"
	"github.com/dentamind/dispatch/request"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Request lifecycle hooks
// ──────────────────────────────────────────────────

// RequestQueued is called after a request enters its category's waiting list.
type RequestQueued interface {
	OnRequestQueued(ctx context.Context, r *request.Request) error
}

// RequestRejected is called when a submission is refused before queuing
// (no eligible credential, waiting list full, dispatcher closed).
type RequestRejected interface {
	OnRequestRejected(ctx context.Context, r *request.Request, err error) error
}

// RequestAdmitted is called when a request is granted a concurrency slot.
type RequestAdmitted interface {
	OnRequestAdmitted(ctx context.Context, r *request.Request) error
}

// CredentialSelected is called when the route selector binds a credential
// to an admitted request.
type CredentialSelected interface {
	OnCredentialSelected(ctx context.Context, r *request.Request, c *credential.Credential) error
}

// RequestCompleted is called after a request settles successfully.
type RequestCompleted interface {
	OnRequestCompleted(ctx context.Context, r *request.Request, res *request.Result, elapsed time.Duration) error
}

// RequestFailed is called when a request settles with an upstream or
// binding failure.
type RequestFailed interface {
	OnRequestFailed(ctx context.Context, r *request.Request, err error) error
}

// RequestTimedOut is called when a request settles because its deadline
// elapsed, whether it was still queued or already running.
type RequestTimedOut interface {
	OnRequestTimedOut(ctx context.Context, r *request.Request) error
}

// RequestCancelled is called when a request settles through cancellation.
type RequestCancelled interface {
	OnRequestCancelled(ctx context.Context, r *request.Request) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
