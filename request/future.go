package request

import (
	"context"
	"sync"
)

// Future is the caller's handle on a request's eventual settlement. It
// settles exactly once in one of the four terminal states; every observer
// sees the identical outcome, no matter how many goroutines wait.
type Future struct {
	done chan struct{}

	mu     sync.Mutex
	state  State
	result *Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// settle records the terminal outcome and releases all observers. The
// request state machine guarantees it runs at most once; the settled
// check is a backstop against misuse.
func (f *Future) settle(state State, res *Result, err error) {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return
	}
	f.state = state
	f.result = res
	f.err = err
	f.mu.Unlock()

	close(f.done)
}

// Done returns a channel closed when the future settles. Useful in select
// statements; the outcome is read with Outcome afterwards.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx expires. A ctx error means
// the caller stopped waiting; the request itself keeps its own deadline
// and settles independently.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome returns the settlement without blocking. ok is false while the
// future is still pending.
func (f *Future) Outcome() (res *Result, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Terminal() {
		return nil, nil, false
	}
	return f.result, f.err, true
}

// State returns the terminal state, or the empty string while pending.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Terminal() {
		return ""
	}
	return f.state
}
