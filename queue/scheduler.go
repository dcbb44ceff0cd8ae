// Package queue implements the admission-controlled priority scheduler:
// per-category waiting lists ordered by priority then submission time,
// per-category and optional global concurrency caps, deadline expiry for
// requests still waiting, and race-free cancellation.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dentamind/dispatch"
	"github.com/dentamind/dispatch/category"
	"github.com/dentamind/dispatch/ext"
	"github.com/dentamind/dispatch/id"
	"github.com/dentamind/dispatch/request"
	"github.com/dentamind/dispatch/usage"
)

// Runner receives a request the moment it is admitted. The scheduler
// invokes it on a fresh goroutine; the runner must eventually call
// Release for the request's category exactly once.
type Runner func(req *request.Request)

// categoryQueue is the scheduling state for one category.
type categoryQueue struct {
	cfg        category.Config
	waiting    waitHeap
	inFlight   int
	maxWaiting int // 0 means unbounded
}

// Scheduler holds every category queue behind a single mutex so that a
// slot check and the matching state transition are one atomic step.
type Scheduler struct {
	log     *slog.Logger
	tracker *usage.Tracker
	exts    *ext.Registry

	mu        sync.Mutex
	cats      map[category.Category]*categoryQueue
	items     map[id.RequestID]*item
	global    int // optional global in-flight cap, 0 = unlimited
	inFlight  int // total admitted and not yet released
	draining  bool
	idle      chan struct{} // closed when outstanding work reaches zero
	runner    Runner
	afterFunc func(time.Duration, func()) timerHandle
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGlobalLimit caps total in-flight requests across all categories.
func WithGlobalLimit(n int) Option {
	return func(s *Scheduler) { s.global = n }
}

// WithDefaultMaxWaiting bounds waiting lists for categories that do not
// set their own bound.
func WithDefaultMaxWaiting(n int) Option {
	return func(s *Scheduler) {
		for _, cq := range s.cats {
			if cq.cfg.MaxWaiting == 0 {
				cq.maxWaiting = n
			}
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithTracker sets the usage tracker fed by queue transitions.
func WithTracker(t *usage.Tracker) Option {
	return func(s *Scheduler) { s.tracker = t }
}

// WithExtensions sets the extension registry notified on transitions.
func WithExtensions(r *ext.Registry) Option {
	return func(s *Scheduler) { s.exts = r }
}

// New builds a scheduler from per-category admission configuration.
func New(cfgs []category.Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:     slog.Default(),
		tracker: usage.NewTracker(),
		exts:    ext.NewRegistry(slog.Default()),
		cats:    make(map[category.Category]*categoryQueue, len(cfgs)),
		items:   make(map[id.RequestID]*item),
		afterFunc: func(d time.Duration, fn func()) timerHandle {
			return time.AfterFunc(d, fn)
		},
	}
	for _, cfg := range cfgs {
		s.cats[cfg.Category] = &categoryQueue{cfg: cfg, maxWaiting: cfg.MaxWaiting}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRunner wires the execution side. Must be called before Enqueue.
func (s *Scheduler) SetRunner(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// Tracker returns the usage tracker the scheduler reports into.
func (s *Scheduler) Tracker() *usage.Tracker { return s.tracker }

// Enqueue admits req immediately if a slot is free, otherwise places it
// on its category's waiting list. The request's future settles through
// the normal lifecycle either way.
func (s *Scheduler) Enqueue(ctx context.Context, req *request.Request) error {
	now := time.Now()

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return dispatch.ErrClosed
	}
	cq, ok := s.cats[req.Category]
	if !ok {
		s.mu.Unlock()
		return dispatch.ErrUnknownCategory
	}

	remaining := req.Remaining(now)
	if remaining <= 0 {
		s.mu.Unlock()
		req.TimeOut(dispatch.ErrDeadlineExceeded)
		s.tracker.ExpiredAtIntake(req.Category)
		s.exts.EmitRequestTimedOut(ctx, req)
		return dispatch.ErrDeadlineExceeded
	}

	if cq.maxWaiting > 0 && cq.waiting.Len() >= cq.maxWaiting {
		s.mu.Unlock()
		s.tracker.Rejected(req.Category)
		s.exts.EmitRequestRejected(ctx, req, dispatch.ErrQueueFull)
		return dispatch.ErrQueueFull
	}

	it := &item{req: req}
	cq.waiting.push(it)
	s.items[req.ID] = it
	s.tracker.Enqueued(req.Category)
	it.timer = s.afterFunc(remaining, func() { s.onDeadline(req.ID) })
	s.mu.Unlock()

	// Queued fires before any admission hook for this request. The lock is
	// dropped so hooks never run under it; a concurrent Release admitting
	// the request first is the same outcome as the admit below.
	s.exts.EmitRequestQueued(ctx, req)

	s.mu.Lock()
	s.admitLocked(cq)
	s.mu.Unlock()
	return nil
}

// admitLocked grants slots to the head of cq's waiting list while
// capacity allows. Caller holds s.mu.
func (s *Scheduler) admitLocked(cq *categoryQueue) {
	if s.runner == nil {
		return
	}
	now := time.Now()
	for cq.waiting.Len() > 0 {
		if cq.inFlight >= cq.cfg.MaxConcurrent {
			return
		}
		if s.global > 0 && s.inFlight >= s.global {
			return
		}

		it := cq.waiting.pop()
		delete(s.items, it.req.ID)
		if it.timer != nil {
			it.timer.Stop()
		}

		// The deadline may have elapsed between timer scheduling and
		// this admission attempt; never grant a slot to expired work.
		if it.req.Remaining(now) <= 0 {
			if it.req.TimeOut(dispatch.ErrDeadlineExceeded) {
				s.tracker.LeftQueue(it.req.Category, usage.OutcomeTimedOut)
				s.emitAsync(func(ctx context.Context) { s.exts.EmitRequestTimedOut(ctx, it.req) })
			}
			continue
		}
		if !it.req.Admit() {
			// Settled while waiting (cancel or timeout won the race);
			// the settling path already adjusted the tracker.
			continue
		}

		cq.inFlight++
		s.inFlight++
		s.tracker.Admitted(it.req.Category)
		s.emitAsync(func(ctx context.Context) { s.exts.EmitRequestAdmitted(ctx, it.req) })

		run := s.runner
		go run(it.req)
	}
}

// emitAsync fires extension hooks off the scheduler goroutine so user
// hooks never run under s.mu.
func (s *Scheduler) emitAsync(fn func(context.Context)) {
	go fn(context.Background())
}

// onDeadline settles a request that is still waiting when its deadline
// elapses. Requests already admitted are covered by the worker's
// execution context instead.
func (s *Scheduler) onDeadline(rid id.RequestID) {
	s.mu.Lock()
	it, ok := s.items[rid]
	if !ok {
		s.mu.Unlock()
		return
	}
	cq := s.cats[it.req.Category]
	if !it.req.TimeOut(dispatch.ErrDeadlineExceeded) {
		s.mu.Unlock()
		return
	}
	cq.waiting.remove(it)
	delete(s.items, rid)
	s.tracker.LeftQueue(it.req.Category, usage.OutcomeTimedOut)
	s.notifyIdleLocked()
	s.mu.Unlock()

	s.exts.EmitRequestTimedOut(context.Background(), it.req)
	s.log.Warn("request timed out while queued",
		slog.String("request_id", it.req.ID.String()),
		slog.String("category", it.req.Category.String()))
}

// Cancel settles req as cancelled if it has not started running. It wins
// against requests that are Queued or Admitted; once Running, the
// request settles through its execution path and Cancel returns false.
func (s *Scheduler) Cancel(req *request.Request) bool {
	s.mu.Lock()
	if it, ok := s.items[req.ID]; ok {
		// Still waiting: remove from the heap under the same lock that
		// guards admission, so cancel and admit cannot both win.
		if !req.Cancel(dispatch.ErrCancelled) {
			s.mu.Unlock()
			return false
		}
		s.cats[req.Category].waiting.remove(it)
		delete(s.items, req.ID)
		if it.timer != nil {
			it.timer.Stop()
		}
		s.tracker.LeftQueue(req.Category, usage.OutcomeCancelled)
		s.notifyIdleLocked()
		s.mu.Unlock()

		s.exts.EmitRequestCancelled(context.Background(), req)
		return true
	}
	s.mu.Unlock()

	// Not waiting: either admitted (Cancel wins, the worker observes the
	// settled state and releases the slot) or running/settled (Cancel
	// loses, the state machine refuses the transition).
	if req.Cancel(dispatch.ErrCancelled) {
		s.exts.EmitRequestCancelled(context.Background(), req)
		return true
	}
	return false
}

// Release returns cat's concurrency slot and admits the next waiting
// request. The worker calls this exactly once per admitted request.
func (s *Scheduler) Release(cat category.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cq, ok := s.cats[cat]
	if !ok {
		return
	}
	if cq.inFlight > 0 {
		cq.inFlight--
	}
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.admitLocked(cq)
	// Under a global cap, this release may unblock a different category.
	if s.global > 0 {
		for _, other := range s.cats {
			if other != cq {
				s.admitLocked(other)
			}
		}
	}
	s.notifyIdleLocked()
}

// Waiting reports the number of queued requests for cat.
func (s *Scheduler) Waiting(cat category.Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cq, ok := s.cats[cat]; ok {
		return cq.waiting.Len()
	}
	return 0
}

// InFlight reports the number of admitted, unreleased requests for cat.
func (s *Scheduler) InFlight(cat category.Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cq, ok := s.cats[cat]; ok {
		return cq.inFlight
	}
	return 0
}

// outstandingLocked counts work not yet settled and released.
func (s *Scheduler) outstandingLocked() int {
	n := s.inFlight
	for _, cq := range s.cats {
		n += cq.waiting.Len()
	}
	return n
}

func (s *Scheduler) notifyIdleLocked() {
	if s.idle != nil && s.outstandingLocked() == 0 {
		close(s.idle)
		s.idle = nil
	}
}

// Drain stops intake and settles all waiting requests as cancelled.
// In-flight requests keep their slots until they settle.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	s.draining = true

	var cancelled []*request.Request
	for _, cq := range s.cats {
		for _, it := range cq.waiting {
			if it.timer != nil {
				it.timer.Stop()
			}
			delete(s.items, it.req.ID)
			if it.req.Cancel(dispatch.ErrCancelled) {
				s.tracker.LeftQueue(it.req.Category, usage.OutcomeCancelled)
				cancelled = append(cancelled, it.req)
			}
		}
		cq.waiting = cq.waiting[:0]
	}
	s.notifyIdleLocked()
	s.mu.Unlock()

	for _, req := range cancelled {
		s.exts.EmitRequestCancelled(context.Background(), req)
	}
}

// Quiesce blocks until all queued and in-flight requests have settled
// and released their slots, or ctx expires.
func (s *Scheduler) Quiesce(ctx context.Context) error {
	s.mu.Lock()
	if s.outstandingLocked() == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
