package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_Defaults(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg := d.Config()
	if cfg.DefaultDeadline != 30*time.Second {
		t.Errorf("default deadline = %v", cfg.DefaultDeadline)
	}
	if cfg.GlobalMaxConcurrent != 0 {
		t.Errorf("global cap = %d, want 0 (unlimited)", cfg.GlobalMaxConcurrent)
	}
}

func TestNew_Options(t *testing.T) {
	d, err := New(
		WithGlobalConcurrency(8),
		WithDefaultDeadline(10*time.Second),
		WithDefaultMaxWaiting(100),
		WithShutdownTimeout(5*time.Second),
		WithLogger(discard()),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg := d.Config()
	if cfg.GlobalMaxConcurrent != 8 || cfg.DefaultDeadline != 10*time.Second ||
		cfg.DefaultMaxWaiting != 100 || cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("config = %+v", cfg)
	}
}

func TestNew_InvalidDeadline(t *testing.T) {
	if _, err := New(WithDefaultDeadline(0)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

type fakeScheduler struct {
	drained   bool
	quiesced  bool
	quiesceFn func(ctx context.Context) error
}

func (f *fakeScheduler) Drain() { f.drained = true }
func (f *fakeScheduler) Quiesce(ctx context.Context) error {
	f.quiesced = true
	if f.quiesceFn != nil {
		return f.quiesceFn(ctx)
	}
	return nil
}

type fakeEmitter struct {
	shutdown bool
}

func (f *fakeEmitter) EmitShutdown(ctx context.Context) { f.shutdown = true }

func TestStop_DrainsThenQuiesces(t *testing.T) {
	d, err := New(WithLogger(discard()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sched := &fakeScheduler{}
	emitter := &fakeEmitter{}
	d.SetScheduler(sched)
	d.SetExtensions(emitter)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if !sched.drained || !sched.quiesced {
		t.Errorf("drained=%v quiesced=%v, want both", sched.drained, sched.quiesced)
	}
	if !emitter.shutdown {
		t.Error("shutdown hook not emitted")
	}
}

func TestStop_AppliesShutdownTimeout(t *testing.T) {
	d, err := New(WithLogger(discard()), WithShutdownTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sched := &fakeScheduler{
		quiesceFn: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("quiesce context has no deadline")
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	d.SetScheduler(sched)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stop took %v, shutdown timeout was 20ms", elapsed)
	}
}

func TestStart_TwiceReturnsInvalidState(t *testing.T) {
	d, err := New(WithLogger(discard()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second start err = %v, want ErrInvalidState", err)
	}
}

func TestStartStop_Concurrent(t *testing.T) {
	d, err := New(WithLogger(discard()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	d.SetScheduler(&fakeScheduler{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = d.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = d.Stop(context.Background())
		}()
	}
	wg.Wait()
}

func TestStop_WithoutStart(t *testing.T) {
	d, err := New(WithLogger(discard()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sched := &fakeScheduler{}
	d.SetScheduler(sched)

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sched.drained {
		t.Error("stop before start drained the scheduler")
	}
}
