package dispatch

import "time"

// Config holds process-wide configuration for the Dispatcher.
// Per-category limits live in category.Config; these settings couple
// categories together or apply defaults when a submission omits a value.
type Config struct {
	// GlobalMaxConcurrent caps in-flight requests across all categories.
	// Zero means no global cap (per-category caps still apply).
	GlobalMaxConcurrent int

	// DefaultDeadline is applied when a submission carries no explicit
	// deadline. Measured from submission time, not admission.
	DefaultDeadline time.Duration

	// DefaultMaxWaiting bounds the waiting list of categories that do not
	// configure their own bound. Zero means unbounded queues.
	DefaultMaxWaiting int

	// ShutdownTimeout is the maximum time Stop waits for in-flight
	// requests before cancelling their contexts.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		GlobalMaxConcurrent: 0,
		DefaultDeadline:     30 * time.Second,
		DefaultMaxWaiting:   0,
		ShutdownTimeout:     30 * time.Second,
	}
}
