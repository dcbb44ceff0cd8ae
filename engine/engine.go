// Package engine wires the dispatch subsystems together and exposes the
// intake surface feature code talks to: Submit returns a future, Cancel
// and Status address requests by ID, and Stop drains the whole pipeline.
//
// The root dispatch package cannot import queue, worker, or credential
// without creating a cycle, so the concrete wiring lives here and the
// Dispatcher holds the scheduler and extension registry through its
// internal interfaces.
package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dentamind/dispatch"
	"github.com/dentamind/dispatch/api"
	"github.com/dentamind/dispatch/category"
	"github.com/dentamind/dispatch/credential"
	"github.com/dentamind/dispatch/ext"
	"github.com/dentamind/dispatch/id"
	"github.com/dentamind/dispatch/middleware"
	"github.com/dentamind/dispatch/queue"
	"github.com/dentamind/dispatch/request"
	"github.com/dentamind/dispatch/scope"
	"github.com/dentamind/dispatch/usage"
	"github.com/dentamind/dispatch/worker"
)

// Engine is the assembled admission pipeline.
type Engine struct {
	d         *dispatch.Dispatcher
	file      *category.File
	registry  *credential.Registry
	selector  *credential.Selector
	scheduler *queue.Scheduler
	executor  *worker.Executor
	tracker   *usage.Tracker
	exts      *ext.Registry

	mu   sync.Mutex
	live map[id.RequestID]*request.Request
}

// Option configures engine assembly.
type Option func(*builder) error

type builder struct {
	file          *category.File
	factory       credential.ClientFactory
	extensions    []ext.Extension
	middleware    []middleware.Middleware
	tracer        trace.Tracer
	meter         metric.Meter
	skipDefaultMW bool
}

// WithConfigFile loads categories and credentials from a YAML file.
func WithConfigFile(path string) Option {
	return func(b *builder) error {
		f, err := category.LoadFile(path)
		if err != nil {
			return err
		}
		b.file = f
		return nil
	}
}

// WithConfig supplies an already-parsed configuration document.
func WithConfig(f *category.File) Option {
	return func(b *builder) error {
		if err := f.Finalize(); err != nil {
			return err
		}
		b.file = f
		return nil
	}
}

// WithClientFactory supplies the factory that turns a credential into a
// live backend client. Nil is allowed; bindings then carry a nil client.
func WithClientFactory(f credential.ClientFactory) Option {
	return func(b *builder) error {
		b.factory = f
		return nil
	}
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(b *builder) error {
		b.extensions = append(b.extensions, e)
		return nil
	}
}

// WithMiddleware appends middleware inside the default stack, closest to
// the task.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(b *builder) error {
		b.middleware = append(b.middleware, mws...)
		return nil
	}
}

// WithTracer routes execution spans to an explicit tracer instead of the
// global provider.
func WithTracer(t trace.Tracer) Option {
	return func(b *builder) error {
		b.tracer = t
		return nil
	}
}

// WithMeter routes execution metrics to an explicit meter instead of the
// global provider.
func WithMeter(m metric.Meter) Option {
	return func(b *builder) error {
		b.meter = m
		return nil
	}
}

// WithoutDefaultMiddleware disables the built-in recover/tracing/metrics/
// logging stack, leaving only middleware added through WithMiddleware.
func WithoutDefaultMiddleware() Option {
	return func(b *builder) error {
		b.skipDefaultMW = true
		return nil
	}
}

// Build assembles the pipeline on top of d. The dispatcher gains its
// scheduler and extension registry; the returned engine is ready for
// Submit once d.Start has run.
func Build(d *dispatch.Dispatcher, opts ...Option) (*Engine, error) {
	b := &builder{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.file == nil {
		return nil, dispatch.ErrInvalidConfig
	}

	log := d.Logger()
	cfg := d.Config()

	registry, err := credential.BuildRegistry(b.file)
	if err != nil {
		return nil, err
	}
	selector := credential.NewSelector(registry, b.factory, log)

	exts := ext.NewRegistry(log)
	for _, e := range b.extensions {
		exts.Register(e)
	}

	tracker := usage.NewTracker()
	scheduler := queue.New(b.file.Categories,
		queue.WithLogger(log),
		queue.WithTracker(tracker),
		queue.WithExtensions(exts),
		queue.WithGlobalLimit(cfg.GlobalMaxConcurrent),
		queue.WithDefaultMaxWaiting(cfg.DefaultMaxWaiting),
	)

	var mws []middleware.Middleware
	if !b.skipDefaultMW {
		tracing := middleware.Tracing()
		if b.tracer != nil {
			tracing = middleware.TracingWithTracer(b.tracer)
		}
		metrics := middleware.Metrics()
		if b.meter != nil {
			metrics = middleware.MetricsWithMeter(b.meter)
		}
		mws = append(mws, middleware.Recover(log), tracing, metrics, middleware.Logging(log))
	}
	mws = append(mws, b.middleware...)

	executor := worker.New(selector, scheduler, tracker, exts, log, mws...)
	scheduler.SetRunner(executor.Execute)

	d.SetScheduler(scheduler)
	d.SetExtensions(exts)

	return &Engine{
		d:         d,
		file:      b.file,
		registry:  registry,
		selector:  selector,
		scheduler: scheduler,
		executor:  executor,
		tracker:   tracker,
		exts:      exts,
		live:      make(map[id.RequestID]*request.Request),
	}, nil
}

// Submit queues task for cat and returns the future that settles with
// its outcome. Misconfiguration (unknown category, no eligible
// credential) and capacity rejection surface as errors here, before a
// future exists; everything later settles through the future.
func (e *Engine) Submit(ctx context.Context, cat category.Category, task request.Task, opts ...request.Option) (*request.Future, error) {
	if task == nil {
		return nil, dispatch.ErrNilTask
	}
	cfg, ok := e.file.Lookup(cat)
	if !ok {
		return nil, dispatch.ErrUnknownCategory
	}
	if err := e.selector.Eligible(cat); err != nil {
		e.tracker.Rejected(cat)
		return nil, err
	}

	var o request.Options
	for _, opt := range opts {
		opt(&o)
	}
	priority := o.Priority
	if priority == 0 {
		priority = cfg.DefaultPriority
	}
	priority = request.ClampPriority(priority)
	deadline := o.Deadline
	if deadline <= 0 {
		deadline = e.d.Config().DefaultDeadline
	}

	req := request.New(cat, priority, deadline, task)
	req.Scope = scope.Capture(ctx)

	if err := e.scheduler.Enqueue(ctx, req); err != nil {
		return nil, err
	}
	e.track(req)
	return req.Future(), nil
}

// track retains the request for Status/Cancel lookup until it settles.
// It runs only after the scheduler accepted the request: a rejected
// submission never settles its future, so a watcher registered earlier
// would block forever. A request that settles before track is called
// has a closed Done channel and unindexes immediately.
func (e *Engine) track(req *request.Request) {
	e.mu.Lock()
	e.live[req.ID] = req
	e.mu.Unlock()

	go func() {
		<-req.Future().Done()
		e.untrack(req.ID)
	}()
}

func (e *Engine) untrack(rid id.RequestID) {
	e.mu.Lock()
	delete(e.live, rid)
	e.mu.Unlock()
}

// Cancel attempts to cancel the request with the given ID. It reports
// true only when cancellation won: the request had not started running.
func (e *Engine) Cancel(rid id.RequestID) bool {
	e.mu.Lock()
	req, ok := e.live[rid]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return e.scheduler.Cancel(req)
}

// Status reports the lifecycle state of a live request. Settled requests
// age out of the index; their holders observe the outcome through the
// future instead.
func (e *Engine) Status(rid id.RequestID) (request.State, error) {
	e.mu.Lock()
	req, ok := e.live[rid]
	e.mu.Unlock()
	if !ok {
		return "", dispatch.ErrUnknownRequest
	}
	return req.State(), nil
}

// Usage returns a point-in-time snapshot of all counters.
func (e *Engine) Usage() usage.Snapshot { return e.tracker.Snapshot() }

// Snapshot implements api.StatusProvider.
func (e *Engine) Snapshot() usage.Snapshot { return e.tracker.Snapshot() }

// StatusHandler returns the read-only HTTP monitoring surface.
func (e *Engine) StatusHandler() http.Handler {
	return api.NewHandler(e, e.d.Logger())
}

// RotateCredential swaps a credential's secret reference and invalidates
// cached clients so the next selection rebuilds them.
func (e *Engine) RotateCredential(name, newSecretRef string) error {
	if err := e.registry.Rotate(name, newSecretRef); err != nil {
		return err
	}
	e.selector.Invalidate(name)
	return nil
}

// SetCredentialAvailable marks a credential usable or unusable without
// removing it from its categories.
func (e *Engine) SetCredentialAvailable(name string, available bool) error {
	c, ok := e.registry.Get(name)
	if !ok {
		return dispatch.ErrNoEligibleCredential
	}
	c.SetAvailable(available)
	return nil
}

// Waiting reports the queued request count for cat.
func (e *Engine) Waiting(cat category.Category) int { return e.scheduler.Waiting(cat) }

// InFlight reports the admitted, unsettled request count for cat.
func (e *Engine) InFlight(cat category.Category) int { return e.scheduler.InFlight(cat) }

// Start delegates to the dispatcher.
func (e *Engine) Start(ctx context.Context) error { return e.d.Start(ctx) }

// Stop drains intake and waits for settlement per the dispatcher's
// shutdown policy.
func (e *Engine) Stop(ctx context.Context) error { return e.d.Stop(ctx) }

// WaitIdle blocks until no queued or in-flight work remains, bounded by d.
// Intended for tests and batch jobs.
func (e *Engine) WaitIdle(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return e.scheduler.Quiesce(ctx)
}
