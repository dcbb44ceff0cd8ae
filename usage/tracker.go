// Package usage aggregates per-category and per-credential dispatch
// counters: admissions, settlements by outcome, token consumption, and
// latency. Writers are the scheduler and the execution worker; readers
// take consistent-enough snapshots for monitoring. This is observability,
// not a control input — budget enforcement lives in the credential package.
package usage

import (
	"sync"
	"time"

	"github.com/dentamind/dispatch/category"
)

// Outcome classifies a settlement for accounting.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Record is one settled execution as reported by the worker.
type Record struct {
	Category   category.Category
	Credential string
	Tokens     int
	Duration   time.Duration
	Outcome    Outcome
	At         time.Time
}

// throughputWindow counts completions over the trailing sixty seconds
// using one bucket per second.
type throughputWindow struct {
	buckets [60]struct {
		sec   int64
		count int
	}
}

func (w *throughputWindow) add(at time.Time) {
	sec := at.Unix()
	b := &w.buckets[sec%60]
	if b.sec != sec {
		b.sec = sec
		b.count = 0
	}
	b.count++
}

func (w *throughputWindow) sum(now time.Time) int {
	cutoff := now.Unix() - 60
	total := 0
	for i := range w.buckets {
		if w.buckets[i].sec > cutoff {
			total += w.buckets[i].count
		}
	}
	return total
}

type categoryCounters struct {
	waiting  int
	inFlight int

	admitted  uint64
	completed uint64
	failed    uint64
	timedOut  uint64
	cancelled uint64
	rejected  uint64

	tokens       uint64
	totalLatency time.Duration
	maxLatency   time.Duration

	recent throughputWindow
}

type credentialCounters struct {
	calls    uint64
	failures uint64
	tokens   uint64
}

// Tracker records dispatch activity. Safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	cats  map[category.Category]*categoryCounters
	creds map[string]*credentialCounters
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		cats:  make(map[category.Category]*categoryCounters),
		creds: make(map[string]*credentialCounters),
	}
}

func (t *Tracker) cat(c category.Category) *categoryCounters {
	cc, ok := t.cats[c]
	if !ok {
		cc = &categoryCounters{}
		t.cats[c] = cc
	}
	return cc
}

// Enqueued notes a request entering its category's waiting list.
func (t *Tracker) Enqueued(c category.Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cat(c).waiting++
}

// Admitted notes a request leaving the waiting list with a slot.
func (t *Tracker) Admitted(c category.Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cc := t.cat(c)
	if cc.waiting > 0 {
		cc.waiting--
	}
	cc.inFlight++
	cc.admitted++
}

// LeftQueue notes a request settling while still queued (deadline elapsed
// or cancelled before admission). outcome must be OutcomeTimedOut or
// OutcomeCancelled.
func (t *Tracker) LeftQueue(c category.Category, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cc := t.cat(c)
	if cc.waiting > 0 {
		cc.waiting--
	}
	switch outcome {
	case OutcomeTimedOut:
		cc.timedOut++
	case OutcomeCancelled:
		cc.cancelled++
	}
}

// ExpiredAtIntake notes a request that arrived already past its deadline
// and settled without ever entering the waiting list. Unlike LeftQueue it
// leaves the waiting gauge alone, since Enqueued was never called.
func (t *Tracker) ExpiredAtIntake(c category.Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cat(c).timedOut++
}

// Rejected notes a submission refused before queuing.
func (t *Tracker) Rejected(c category.Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cat(c).rejected++
}

// Settle records the outcome of an admitted request, releasing its
// in-flight gauge and updating credential accounting.
func (t *Tracker) Settle(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cc := t.cat(rec.Category)
	if cc.inFlight > 0 {
		cc.inFlight--
	}

	switch rec.Outcome {
	case OutcomeCompleted:
		cc.completed++
		cc.recent.add(rec.At)
	case OutcomeFailed:
		cc.failed++
	case OutcomeTimedOut:
		cc.timedOut++
	case OutcomeCancelled:
		cc.cancelled++
	}

	cc.tokens += uint64(rec.Tokens)
	cc.totalLatency += rec.Duration
	if rec.Duration > cc.maxLatency {
		cc.maxLatency = rec.Duration
	}

	if rec.Credential != "" {
		cr, ok := t.creds[rec.Credential]
		if !ok {
			cr = &credentialCounters{}
			t.creds[rec.Credential] = cr
		}
		cr.calls++
		cr.tokens += uint64(rec.Tokens)
		if rec.Outcome != OutcomeCompleted {
			cr.failures++
		}
	}
}
