// Package worker executes admitted requests: it binds a credential, runs
// the task through the middleware chain under the request's deadline, and
// settles the future and the concurrency slot exactly once. Tasks that do
// not honor context cancellation are abandoned at the deadline; their late
// results are discarded, though their token spend still debits the budget.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dentamind/dispatch"
	"github.com/dentamind/dispatch/category"
	"github.com/dentamind/dispatch/credential"
	"github.com/dentamind/dispatch/ext"
	"github.com/dentamind/dispatch/middleware"
	"github.com/dentamind/dispatch/request"
	"github.com/dentamind/dispatch/scope"
	"github.com/dentamind/dispatch/usage"
)

// Releaser returns a category's concurrency slot after settlement.
type Releaser interface {
	Release(cat category.Category)
}

// Executor runs admitted requests to settlement.
type Executor struct {
	log      *slog.Logger
	selector *credential.Selector
	releaser Releaser
	tracker  *usage.Tracker
	exts     *ext.Registry
	chain    middleware.Middleware
}

// New creates an executor. The middleware slice is applied outermost
// first, matching the order middleware is registered.
func New(sel *credential.Selector, rel Releaser, tracker *usage.Tracker, exts *ext.Registry, log *slog.Logger, mws ...middleware.Middleware) *Executor {
	return &Executor{
		log:      log,
		selector: sel,
		releaser: rel,
		tracker:  tracker,
		exts:     exts,
		chain:    middleware.Chain(mws...),
	}
}

type taskOutcome struct {
	res *request.Result
	err error
}

// Execute drives one admitted request to a terminal state. It is the
// scheduler's runner and is invoked on a dedicated goroutine.
func (e *Executor) Execute(req *request.Request) {
	start := time.Now()

	var once sync.Once
	settle := func(outcome usage.Outcome, credName string, tokens int) {
		once.Do(func() {
			e.tracker.Settle(usage.Record{
				Category:   req.Category,
				Credential: credName,
				Tokens:     tokens,
				Duration:   time.Since(start),
				Outcome:    outcome,
				At:         time.Now(),
			})
			e.releaser.Release(req.Category)
		})
	}

	ctx := scope.With(context.Background(), req.Scope)

	// The deadline runs from submission; queueing time already spent it
	// down. Admission re-checks expiry, but the window can still close
	// between the slot grant and this goroutine getting scheduled.
	remaining := req.Remaining(time.Now())
	if remaining <= 0 {
		if req.TimeOut(dispatch.ErrDeadlineExceeded) {
			e.exts.EmitRequestTimedOut(ctx, req)
		}
		settle(outcomeForState(req.State()), "", 0)
		return
	}

	binding, err := e.selector.Select(req.Category)
	if err != nil {
		bindErr := fmt.Errorf("binding credential for %s: %w", req.Category, err)
		if req.Fail(bindErr) {
			e.exts.EmitRequestFailed(ctx, req, bindErr)
			e.log.Error("credential binding failed",
				slog.String("request_id", req.ID.String()),
				slog.String("category", req.Category.String()),
				slog.Any("error", err))
		}
		settle(outcomeForState(req.State()), "", 0)
		return
	}
	e.exts.EmitCredentialSelected(ctx, req, binding.Credential)

	if !req.Run() {
		// Cancelled (or timed out) after admission, before execution.
		// The slot must still come back.
		settle(outcomeForState(req.State()), "", 0)
		return
	}

	runCtx, cancel := context.WithDeadline(ctx, req.Expiry())
	defer cancel()

	ch := make(chan taskOutcome, 1)
	go func() {
		res, err := e.chain(runCtx, req, func(c context.Context) (*request.Result, error) {
			return req.Task(c, binding.Call)
		})
		ch <- taskOutcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		e.settleResult(ctx, req, binding, out, settle)

	case <-runCtx.Done():
		if req.TimeOut(dispatch.ErrDeadlineExceeded) {
			e.exts.EmitRequestTimedOut(ctx, req)
			e.log.Warn("request abandoned at deadline",
				slog.String("request_id", req.ID.String()),
				slog.String("category", req.Category.String()))
		}
		settle(outcomeForState(req.State()), binding.Credential.Name, 0)

		// The task goroutine may still be running; its result is
		// discarded, but real token spend still counts against the
		// credential budget.
		go func() {
			if out := <-ch; out.res != nil && out.res.Tokens > 0 {
				binding.Credential.ConsumeTokens(out.res.Tokens)
			}
		}()
	}
}

// settleResult handles a task that returned before the deadline.
func (e *Executor) settleResult(ctx context.Context, req *request.Request, binding *credential.Binding, out taskOutcome, settle func(usage.Outcome, string, int)) {
	switch {
	case out.err == nil:
		tokens := 0
		if out.res != nil {
			tokens = out.res.Tokens
		}
		if tokens > 0 {
			binding.Credential.ConsumeTokens(tokens)
		}
		if req.Complete(out.res) {
			e.exts.EmitRequestCompleted(ctx, req, out.res, time.Since(req.SubmittedAt))
		}
		settle(outcomeForState(req.State()), binding.Credential.Name, tokens)

	case errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, dispatch.ErrDeadlineExceeded):
		if req.TimeOut(dispatch.ErrDeadlineExceeded) {
			e.exts.EmitRequestTimedOut(ctx, req)
		}
		settle(outcomeForState(req.State()), binding.Credential.Name, 0)

	default:
		if req.Fail(out.err) {
			e.exts.EmitRequestFailed(ctx, req, out.err)
		}
		settle(outcomeForState(req.State()), binding.Credential.Name, 0)
	}
}

// outcomeForState maps a settled request state to its usage outcome.
func outcomeForState(s request.State) usage.Outcome {
	switch s {
	case request.StateCompleted:
		return usage.OutcomeCompleted
	case request.StateTimedOut:
		return usage.OutcomeTimedOut
	case request.StateCancelled:
		return usage.OutcomeCancelled
	default:
		return usage.OutcomeFailed
	}
}
