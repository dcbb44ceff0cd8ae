// Package scope carries the origin of a submission — which feature asked
// and which clinician or staff member triggered it — through the context
// and onto the request, so logging and the audit trail can attribute AI
// usage without threading identity arguments through every call site.
package scope

import "context"

// Scope identifies the origin of a dispatch request.
type Scope struct {
	// Feature is the submitting feature surface (e.g. "charting",
	// "tx-planner", "recall-messages").
	Feature string

	// Actor is the clinician or staff identifier on whose behalf the
	// inference runs. Empty for system-initiated work.
	Actor string
}

// IsZero reports whether the scope carries no identity.
func (s Scope) IsZero() bool { return s.Feature == "" && s.Actor == "" }

type ctxKey struct{}

// With attaches a scope to the context.
func With(ctx context.Context, s Scope) context.Context {
	if s.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, s)
}

// Capture extracts the scope from the context. Returns the zero Scope if
// none is present.
func Capture(ctx context.Context) Scope {
	s, _ := ctx.Value(ctxKey{}).(Scope)
	return s
}
