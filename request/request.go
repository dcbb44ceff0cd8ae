// Package request defines the unit of admission-controlled work: the
// DispatchRequest, its lifecycle state machine, the opaque task contract,
// and the exactly-once Future callers observe.
package request

import (
	"context"
	"sync"
	"time"

	"github.com/dentamind/dispatch/category"
	"github.com/dentamind/dispatch/id"
	"github.com/dentamind/dispatch/scope"
)

// State represents the lifecycle state of a dispatch request.
type State string

const (
	// StateQueued means the request is waiting for a concurrency slot.
	StateQueued State = "queued"
	// StateAdmitted means a slot was granted but execution has not begun.
	StateAdmitted State = "admitted"
	// StateRunning means the task is executing against the AI backend.
	StateRunning State = "running"
	// StateCompleted means the task finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the task or its credential binding failed.
	StateFailed State = "failed"
	// StateTimedOut means the deadline elapsed while queued or running.
	StateTimedOut State = "timed_out"
	// StateCancelled means the request was cancelled before execution.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// canTransition encodes the request state machine:
//
//	Queued → Admitted → Running → {Completed, Failed}
//	Queued | Admitted | Running → TimedOut
//	Queued | Admitted → Cancelled
//	Admitted → Failed (credential binding failure, never ran)
func canTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateAdmitted || to == StateTimedOut || to == StateCancelled
	case StateAdmitted:
		return to == StateRunning || to == StateTimedOut || to == StateCancelled || to == StateFailed
	case StateRunning:
		return to == StateCompleted || to == StateFailed || to == StateTimedOut
	}
	return false
}

// Result is what a task returns on success. Tokens feeds credential budget
// accounting and the usage tracker; Value is opaque to this subsystem.
type Result struct {
	// Value is the caller-defined payload (parsed response, draft text, …).
	Value any

	// Tokens is the number of backend tokens the call consumed, as
	// reported by the caller's response parsing. Zero when unknown.
	Tokens int
}

// Call describes the credential binding a task executes under. The client
// handle is whatever the injected client factory produced for the bound
// credential; prompt construction and response parsing happen inside the
// task, outside this subsystem.
type Call struct {
	CredentialID   id.CredentialID
	CredentialName string
	Model          string
	Client         any
}

// Task is the opaque unit of work supplied by the caller. It must honor
// ctx cancellation if it can; tasks that cannot are abandoned at their
// deadline and their eventual result is discarded.
type Task func(ctx context.Context, call Call) (*Result, error)

// Request is one admission-controlled inference call.
type Request struct {
	ID          id.RequestID
	Category    category.Category
	Priority    int
	SubmittedAt time.Time
	Deadline    time.Duration
	Task        Task
	Scope       scope.Scope

	mu     sync.Mutex
	state  State
	future *Future
}

// New creates a queued request with a pending future.
func New(cat category.Category, priority int, deadline time.Duration, task Task) *Request {
	return &Request{
		ID:          id.NewRequestID(),
		Category:    cat,
		Priority:    priority,
		SubmittedAt: time.Now().UTC(),
		Deadline:    deadline,
		Task:        task,
		state:       StateQueued,
		future:      newFuture(),
	}
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Future returns the settlement future observed by the caller.
func (r *Request) Future() *Future { return r.future }

// Expiry is the wall-clock instant the deadline elapses, measured from
// submission rather than admission.
func (r *Request) Expiry() time.Time { return r.SubmittedAt.Add(r.Deadline) }

// Remaining is the execution window left at time now.
func (r *Request) Remaining(now time.Time) time.Duration { return r.Expiry().Sub(now) }

// Admit transitions Queued → Admitted. Returns false if the request
// already left the queued state (cancelled or timed out first).
func (r *Request) Admit() bool { return r.advance(StateAdmitted) }

// Run transitions Admitted → Running.
func (r *Request) Run() bool { return r.advance(StateRunning) }

// advance performs a non-terminal transition.
func (r *Request) advance(to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !canTransition(r.state, to) {
		return false
	}
	r.state = to
	return true
}

// settle performs a terminal transition and resolves the future exactly
// once. Returns false if the request already settled (the state machine
// admits no transition out of a terminal state).
func (r *Request) settle(to State, res *Result, err error) bool {
	r.mu.Lock()
	if !canTransition(r.state, to) {
		r.mu.Unlock()
		return false
	}
	r.state = to
	r.mu.Unlock()

	r.future.settle(to, res, err)
	return true
}

// Complete settles the request as successfully completed.
func (r *Request) Complete(res *Result) bool { return r.settle(StateCompleted, res, nil) }

// Fail settles the request with an upstream or binding error.
func (r *Request) Fail(err error) bool { return r.settle(StateFailed, nil, err) }

// TimeOut settles the request as timed out with the given error.
func (r *Request) TimeOut(err error) bool { return r.settle(StateTimedOut, nil, err) }

// Cancel settles the request as cancelled with the given error. It only
// wins while the request is Queued or Admitted; once running, the request
// settles through Complete/Fail/TimeOut.
func (r *Request) Cancel(err error) bool { return r.settle(StateCancelled, nil, err) }
