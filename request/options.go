package request

import "time"

// Priority bounds. Higher is more urgent; values outside the range are
// clamped rather than rejected so call sites cannot break admission.
const (
	MinPriority = 1
	MaxPriority = 10
)

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Options configures a single submission. Zero values defer to the
// category default priority and the dispatcher default deadline.
type Options struct {
	// Priority in [1, 10], higher more urgent. Zero means the category's
	// configured default.
	Priority int

	// Deadline is the maximum wall-clock duration from submission to
	// settlement. Zero means the dispatcher default.
	Deadline time.Duration
}

// Option is a functional option for a single submission.
type Option func(*Options)

// WithPriority sets the urgency of the request. Clamped to [1, 10].
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = ClampPriority(p)
	}
}

// WithDeadline sets the submission-to-settlement deadline.
func WithDeadline(d time.Duration) Option {
	return func(o *Options) {
		o.Deadline = d
	}
}
