// Package audit records an append-only JSON-lines trail of request
// lifecycle events. Clinical deployments attach it via the extension
// registry to answer "which feature asked for what, and what happened"
// without reaching into application logs.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/dentamind/dispatch/credential"
	"github.com/dentamind/dispatch/request"
)

// Event is one audit trail entry.
type Event struct {
	Time       time.Time `json:"time"`
	Event      string    `json:"event"`
	RequestID  string    `json:"request_id"`
	Category   string    `json:"category"`
	Priority   int       `json:"priority,omitempty"`
	Feature    string    `json:"feature,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Credential string    `json:"credential,omitempty"`
	Model      string    `json:"model,omitempty"`
	Tokens     int       `json:"tokens,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Trail writes one JSON object per line to w. Safe for concurrent use;
// writes are serialized so lines never interleave.
type Trail struct {
	mu  sync.Mutex
	enc *json.Encoder

	// Clock is overridable for tests.
	Clock func() time.Time
}

// NewTrail creates a trail writing to w.
func NewTrail(w io.Writer) *Trail {
	return &Trail{enc: json.NewEncoder(w), Clock: time.Now}
}

// Name implements ext.Extension.
func (t *Trail) Name() string { return "audit-trail" }

func (t *Trail) write(ev Event) error {
	ev.Time = t.Clock().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(ev)
}

func (t *Trail) event(name string, r *request.Request) Event {
	return Event{
		Event:     name,
		RequestID: r.ID.String(),
		Category:  r.Category.String(),
		Priority:  r.Priority,
		Feature:   r.Scope.Feature,
		Actor:     r.Scope.Actor,
	}
}

// OnRequestQueued implements ext.RequestQueued.
func (t *Trail) OnRequestQueued(ctx context.Context, r *request.Request) error {
	return t.write(t.event("queued", r))
}

// OnRequestRejected implements ext.RequestRejected.
func (t *Trail) OnRequestRejected(ctx context.Context, r *request.Request, err error) error {
	ev := t.event("rejected", r)
	ev.Error = err.Error()
	return t.write(ev)
}

// OnRequestAdmitted implements ext.RequestAdmitted.
func (t *Trail) OnRequestAdmitted(ctx context.Context, r *request.Request) error {
	return t.write(t.event("admitted", r))
}

// OnCredentialSelected implements ext.CredentialSelected.
func (t *Trail) OnCredentialSelected(ctx context.Context, r *request.Request, c *credential.Credential) error {
	ev := t.event("credential_selected", r)
	ev.Credential = c.Name
	ev.Model = c.Model
	return t.write(ev)
}

// OnRequestCompleted implements ext.RequestCompleted.
func (t *Trail) OnRequestCompleted(ctx context.Context, r *request.Request, res *request.Result, elapsed time.Duration) error {
	ev := t.event("completed", r)
	if res != nil {
		ev.Tokens = res.Tokens
	}
	ev.ElapsedMS = elapsed.Milliseconds()
	return t.write(ev)
}

// OnRequestFailed implements ext.RequestFailed.
func (t *Trail) OnRequestFailed(ctx context.Context, r *request.Request, err error) error {
	ev := t.event("failed", r)
	ev.Error = err.Error()
	return t.write(ev)
}

// OnRequestTimedOut implements ext.RequestTimedOut.
func (t *Trail) OnRequestTimedOut(ctx context.Context, r *request.Request) error {
	return t.write(t.event("timed_out", r))
}

// OnRequestCancelled implements ext.RequestCancelled.
func (t *Trail) OnRequestCancelled(ctx context.Context, r *request.Request) error {
	return t.write(t.event("cancelled", r))
}
