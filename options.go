package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// schedRunner is an internal interface for scheduler lifecycle.
// The concrete scheduler lives in the queue package; the Dispatcher holds
// it through this interface to avoid an import cycle.
type schedRunner interface {
	// Drain stops intake of new work and settles queued requests as
	// cancelled. In-flight requests keep their slots until they settle.
	Drain()
	// Quiesce blocks until all in-flight requests have settled or the
	// context expires.
	Quiesce(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Dispatcher is the process-wide coordinator for AI inference admission.
// Create one with New() and functional options, then wire the subsystems
// with engine.Build. Feature code submits through the engine; the
// Dispatcher owns configuration, logging, and lifecycle.
type Dispatcher struct {
	config     Config
	logger     *slog.Logger
	scheduler  schedRunner
	extensions extensionEmitter

	started atomic.Bool
}

// New creates a new Dispatcher with the given options.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() *slog.Logger { return d.logger }

// Config returns a copy of the dispatcher's configuration.
func (d *Dispatcher) Config() Config { return d.config }

// SetScheduler sets the scheduler (called by the engine package).
func (d *Dispatcher) SetScheduler(s schedRunner) { d.scheduler = s }

// SetExtensions sets the extension emitter (called by the engine package).
func (d *Dispatcher) SetExtensions(e extensionEmitter) { d.extensions = e }

// Start marks the dispatcher as running. Admission is event-driven, so
// there is no polling loop to launch; Start exists for lifecycle symmetry
// and future transports. Starting twice returns ErrInvalidState.
func (d *Dispatcher) Start(_ context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrInvalidState
	}
	return nil
}

// Stop gracefully shuts down the dispatcher: new submissions are refused,
// queued requests settle as cancelled, and in-flight requests are given
// until the context deadline (or ShutdownTimeout if the context has none)
// to settle.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.scheduler != nil && d.started.Swap(false) {
		d.scheduler.Drain()

		if _, ok := ctx.Deadline(); !ok && d.config.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.config.ShutdownTimeout)
			defer cancel()
		}
		if err := d.scheduler.Quiesce(ctx); err != nil {
			d.logger.Warn("shutdown quiesce incomplete", slog.String("error", err.Error()))
		}
	}
	if d.extensions != nil {
		d.extensions.EmitShutdown(ctx)
	}
	return nil
}

// WithGlobalConcurrency caps in-flight requests across all categories.
func WithGlobalConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		d.config.GlobalMaxConcurrent = n
		return nil
	}
}

// WithDefaultDeadline sets the deadline applied to submissions that carry
// no explicit one.
func WithDefaultDeadline(deadline time.Duration) Option {
	return func(d *Dispatcher) error {
		if deadline <= 0 {
			return ErrInvalidConfig
		}
		d.config.DefaultDeadline = deadline
		return nil
	}
}

// WithDefaultMaxWaiting bounds waiting lists for categories without their
// own bound. Zero means unbounded.
func WithDefaultMaxWaiting(n int) Option {
	return func(d *Dispatcher) error {
		d.config.DefaultMaxWaiting = n
		return nil
	}
}

// WithShutdownTimeout sets the maximum graceful-shutdown wait.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.ShutdownTimeout = timeout
		return nil
	}
}

// WithLogger sets the structured logger for the dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = l
		return nil
	}
}

// WithConfig replaces the entire configuration.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) error {
		d.config = cfg
		return nil
	}
}
