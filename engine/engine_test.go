package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dentamind/dispatch"
	"github.com/dentamind/dispatch/category"
	"github.com/dentamind/dispatch/credential"
	"github.com/dentamind/dispatch/request"
	"github.com/dentamind/dispatch/scope"
	"github.com/dentamind/dispatch/usage"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testFile() *category.File {
	return &category.File{
		DefaultCredential: "shared-fallback",
		Credentials: []category.CredentialSpec{
			{Name: "dx-primary", SecretRef: "ref-dx", Model: "gpt-4o"},
			{Name: "imaging-vision", SecretRef: "ref-img", Model: "gpt-4o"},
			{Name: "shared-fallback", SecretRef: "ref-shared", Model: "gpt-4o-mini"},
		},
		Categories: []category.Config{
			{Category: category.Diagnosis, Credentials: []string{"dx-primary"}, MaxConcurrent: 2},
			{Category: category.ImagingAnalysis, Credentials: []string{"imaging-vision"}, MaxConcurrent: 1},
			{Category: category.PatientCommunication, MaxConcurrent: 1, MaxWaiting: 2},
		},
	}
}

func buildEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	d, err := dispatch.New(
		dispatch.WithLogger(discard()),
		dispatch.WithDefaultDeadline(5*time.Second),
	)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	opts = append([]Option{WithConfig(testFile()), WithoutDefaultMiddleware()}, opts...)
	eng, err := Build(d, opts...)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng
}

func okTask(value any, tokens int) request.Task {
	return func(ctx context.Context, call request.Call) (*request.Result, error) {
		return &request.Result{Value: value, Tokens: tokens}, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Submission
// ─────────────────────────────────────────────────────────────────────────────

func TestEngine_SubmitAndWait(t *testing.T) {
	eng := buildEngine(t)

	fut, err := eng.Submit(context.Background(), category.Diagnosis, okTask("low caries risk", 42))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Value != "low caries risk" {
		t.Errorf("value = %v", res.Value)
	}

	if err := eng.WaitIdle(2 * time.Second); err != nil {
		t.Fatalf("idle: %v", err)
	}
	cs := eng.Usage().Category(category.Diagnosis)
	if cs.Completed != 1 || cs.Tokens != 42 {
		t.Errorf("usage: %+v", cs)
	}
}

func TestEngine_SubmitNilTask(t *testing.T) {
	eng := buildEngine(t)
	if _, err := eng.Submit(context.Background(), category.Diagnosis, nil); !errors.Is(err, dispatch.ErrNilTask) {
		t.Fatalf("err = %v, want ErrNilTask", err)
	}
}

func TestEngine_SubmitUnknownCategory(t *testing.T) {
	eng := buildEngine(t)
	_, err := eng.Submit(context.Background(), category.Scheduling, okTask(nil, 0))
	if !errors.Is(err, dispatch.ErrUnknownCategory) {
		t.Fatalf("err = %v, want ErrUnknownCategory", err)
	}
}

func TestEngine_SubmitCarriesScope(t *testing.T) {
	eng := buildEngine(t)

	got := make(chan scope.Scope, 1)
	ctx := scope.With(context.Background(), scope.Scope{Feature: "perio-chart", Actor: "dr-okafor"})
	fut, err := eng.Submit(ctx, category.Diagnosis, func(c context.Context, call request.Call) (*request.Result, error) {
		got <- scope.Capture(c)
		return &request.Result{}, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	s := <-got
	if s.Feature != "perio-chart" || s.Actor != "dr-okafor" {
		t.Errorf("scope = %+v", s)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Credential routing
// ─────────────────────────────────────────────────────────────────────────────

func TestEngine_RoutesToCategoryCredential(t *testing.T) {
	eng := buildEngine(t)

	fut, err := eng.Submit(context.Background(), category.Diagnosis, func(ctx context.Context, call request.Call) (*request.Result, error) {
		return &request.Result{Value: call.CredentialName}, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Value != "dx-primary" {
		t.Errorf("credential = %v, want dx-primary", res.Value)
	}
}

func TestEngine_FallsBackToDefaultCredential(t *testing.T) {
	eng := buildEngine(t)
	if err := eng.SetCredentialAvailable("dx-primary", false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	fut, err := eng.Submit(context.Background(), category.Diagnosis, func(ctx context.Context, call request.Call) (*request.Result, error) {
		return &request.Result{Value: call.CredentialName}, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Value != "shared-fallback" {
		t.Errorf("credential = %v, want shared-fallback", res.Value)
	}
}

func TestEngine_NoEligibleCredentialRejectsAtSubmit(t *testing.T) {
	eng := buildEngine(t)
	for _, name := range []string{"dx-primary", "shared-fallback"} {
		if err := eng.SetCredentialAvailable(name, false); err != nil {
			t.Fatalf("disable %s: %v", name, err)
		}
	}

	_, err := eng.Submit(context.Background(), category.Diagnosis, okTask(nil, 0))
	if !errors.Is(err, dispatch.ErrNoEligibleCredential) {
		t.Fatalf("err = %v, want ErrNoEligibleCredential", err)
	}
	if got := eng.Usage().Category(category.Diagnosis).Rejected; got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}

func TestEngine_RotateCredential(t *testing.T) {
	var mu sync.Mutex
	built := map[string]int{}
	factory := func(c *credential.Credential) (any, error) {
		mu.Lock()
		built[c.Name]++
		n := built[c.Name]
		mu.Unlock()
		return n, nil
	}
	eng := buildEngine(t, WithClientFactory(factory))

	run := func() any {
		t.Helper()
		fut, err := eng.Submit(context.Background(), category.Diagnosis, func(ctx context.Context, call request.Call) (*request.Result, error) {
			return &request.Result{Value: call.Client}, nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		res, err := fut.Wait(context.Background())
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		return res.Value
	}

	if got := run(); got != 1 {
		t.Fatalf("first client = %v, want 1", got)
	}
	if got := run(); got != 1 {
		t.Fatalf("cached client = %v, want 1", got)
	}
	if err := eng.RotateCredential("dx-primary", "ref-dx-v2"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if got := run(); got != 2 {
		t.Fatalf("post-rotation client = %v, want 2", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Scenario: mixed-priority burst against a small cap
// ─────────────────────────────────────────────────────────────────────────────

func TestEngine_BurstRespectsCapAndPriority(t *testing.T) {
	eng := buildEngine(t)

	var peak, current atomic.Int64
	var orderMu sync.Mutex
	var order []int

	gate := make(chan struct{})
	task := func(prio int) request.Task {
		return func(ctx context.Context, call request.Call) (*request.Result, error) {
			cur := current.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			<-gate
			orderMu.Lock()
			order = append(order, prio)
			orderMu.Unlock()
			current.Add(-1)
			return &request.Result{}, nil
		}
	}

	// One running request holds the imaging slot; a burst of mixed
	// priorities queues behind it.
	futs := make([]*request.Future, 0, 7)
	first, err := eng.Submit(context.Background(), category.ImagingAnalysis, task(0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	futs = append(futs, first)

	prios := []int{2, 9, 5, 9, 1, 7}
	for i, p := range prios {
		if i == 1 || i == 3 {
			time.Sleep(time.Millisecond) // order the two priority-9 submissions
		}
		fut, err := eng.Submit(context.Background(), category.ImagingAnalysis, task(p), request.WithPriority(p))
		if err != nil {
			t.Fatalf("submit %d: %v", p, err)
		}
		futs = append(futs, fut)
	}

	close(gate)
	for _, fut := range futs {
		if _, err := fut.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if err := eng.WaitIdle(2 * time.Second); err != nil {
		t.Fatalf("idle: %v", err)
	}

	if peak.Load() > 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}

	orderMu.Lock()
	defer orderMu.Unlock()
	queuedOrder := order[1:] // first entry is the gate-holding request
	want := []int{9, 9, 7, 5, 2, 1}
	for i, p := range want {
		if queuedOrder[i] != p {
			t.Fatalf("admission order = %v, want %v", queuedOrder, want)
		}
	}
}

// A failing task never blocks later work in its own or other categories.
func TestEngine_FailureIsolation(t *testing.T) {
	eng := buildEngine(t)

	boom, err := eng.Submit(context.Background(), category.ImagingAnalysis, func(ctx context.Context, call request.Call) (*request.Result, error) {
		return nil, errors.New("upstream 500")
	})
	if err != nil {
		t.Fatalf("submit failing: %v", err)
	}
	after, err := eng.Submit(context.Background(), category.ImagingAnalysis, okTask("fine", 0))
	if err != nil {
		t.Fatalf("submit follower: %v", err)
	}
	other, err := eng.Submit(context.Background(), category.Diagnosis, okTask("also fine", 0))
	if err != nil {
		t.Fatalf("submit other category: %v", err)
	}

	if _, err := boom.Wait(context.Background()); err == nil {
		t.Fatal("failing task reported success")
	}
	if res, err := after.Wait(context.Background()); err != nil || res.Value != "fine" {
		t.Fatalf("follower blocked by failure: res=%v err=%v", res, err)
	}
	if res, err := other.Wait(context.Background()); err != nil || res.Value != "also fine" {
		t.Fatalf("other category blocked by failure: res=%v err=%v", res, err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Deadlines and cancellation
// ─────────────────────────────────────────────────────────────────────────────

func TestEngine_DeadlineCountsQueueTime(t *testing.T) {
	eng := buildEngine(t)

	block := make(chan struct{})
	defer close(block)
	holder, err := eng.Submit(context.Background(), category.ImagingAnalysis, func(ctx context.Context, call request.Call) (*request.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &request.Result{}, nil
	})
	if err != nil {
		t.Fatalf("submit holder: %v", err)
	}
	_ = holder

	fut, err := eng.Submit(context.Background(), category.ImagingAnalysis,
		okTask(nil, 0), request.WithDeadline(40*time.Millisecond))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	start := time.Now()
	_, err = fut.Wait(context.Background())
	if !errors.Is(err, dispatch.ErrDeadlineExceeded) {
		t.Fatalf("err = %v, want ErrDeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timed out after %v, deadline was 40ms from submission", elapsed)
	}
}

func TestEngine_CancelQueuedRequest(t *testing.T) {
	eng := buildEngine(t)

	block := make(chan struct{})
	defer close(block)
	if _, err := eng.Submit(context.Background(), category.ImagingAnalysis, func(ctx context.Context, call request.Call) (*request.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &request.Result{}, nil
	}); err != nil {
		t.Fatalf("submit holder: %v", err)
	}

	executed := atomic.Bool{}
	fut, err := eng.Submit(context.Background(), category.ImagingAnalysis, func(ctx context.Context, call request.Call) (*request.Result, error) {
		executed.Store(true)
		return &request.Result{}, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Find the queued request through the live index via Status.
	snap := eng.Usage().Category(category.ImagingAnalysis)
	if snap.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1", snap.Waiting)
	}

	// Cancellation by ID requires the ID; futures hide it, so drive
	// cancellation through the index by probing states.
	cancelled := false
	eng.mu.Lock()
	reqs := make([]*request.Request, 0, len(eng.live))
	for _, r := range eng.live {
		reqs = append(reqs, r)
	}
	eng.mu.Unlock()
	for _, r := range reqs {
		if r.State() == request.StateQueued {
			cancelled = eng.Cancel(r.ID)
		}
	}
	if !cancelled {
		t.Fatal("cancel did not win on a queued request")
	}

	_, err = fut.Wait(context.Background())
	if !errors.Is(err, dispatch.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if executed.Load() {
		t.Error("cancelled request executed")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Queue bounds
// ─────────────────────────────────────────────────────────────────────────────

func TestEngine_QueueFullRejection(t *testing.T) {
	eng := buildEngine(t)

	block := make(chan struct{})
	defer close(block)
	blockTask := func(ctx context.Context, call request.Call) (*request.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &request.Result{}, nil
	}

	// Cap 1 + max waiting 2.
	for i := 0; i < 3; i++ {
		if _, err := eng.Submit(context.Background(), category.PatientCommunication, blockTask); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for eng.Waiting(category.PatientCommunication) < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	_, err := eng.Submit(context.Background(), category.PatientCommunication, blockTask)
	if !errors.Is(err, dispatch.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

// Rejected submissions must not leave anything behind: no index entry
// and no watcher goroutine. Sustained overload should reject in bounded
// memory.
func TestEngine_RejectionLeavesNoResidue(t *testing.T) {
	eng := buildEngine(t)

	block := make(chan struct{})
	defer close(block)
	blockTask := func(ctx context.Context, call request.Call) (*request.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &request.Result{}, nil
	}

	// Saturate cap 1 + max waiting 2.
	for i := 0; i < 3; i++ {
		if _, err := eng.Submit(context.Background(), category.PatientCommunication, blockTask); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for eng.Waiting(category.PatientCommunication) < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	before := runtime.NumGoroutine()
	for i := 0; i < 200; i++ {
		if _, err := eng.Submit(context.Background(), category.PatientCommunication, blockTask); !errors.Is(err, dispatch.ErrQueueFull) {
			t.Fatalf("submit %d: err = %v, want ErrQueueFull", i, err)
		}
	}
	runtime.GC()
	after := runtime.NumGoroutine()
	if after > before+10 {
		t.Errorf("goroutines grew from %d to %d across 200 rejections", before, after)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Status surface
// ─────────────────────────────────────────────────────────────────────────────

func TestEngine_StatusLifecycle(t *testing.T) {
	eng := buildEngine(t)

	release := make(chan struct{})
	fut, err := eng.Submit(context.Background(), category.Diagnosis, func(ctx context.Context, call request.Call) (*request.Result, error) {
		<-release
		return &request.Result{}, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	eng.mu.Lock()
	var rid = func() (out *request.Request) {
		for _, r := range eng.live {
			return r
		}
		return nil
	}()
	eng.mu.Unlock()
	if rid == nil {
		t.Fatal("request not tracked")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if st, err := eng.Status(rid.ID); err == nil && st == request.StateRunning {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, err := eng.Status(rid.ID)
	if err != nil || st != request.StateRunning {
		t.Fatalf("status = %s, %v; want running", st, err)
	}

	close(release)
	if _, err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// Settled requests age out of the index.
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.Status(rid.ID); errors.Is(err, dispatch.ErrUnknownRequest) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("settled request still tracked")
}

func TestEngine_StatusHandler(t *testing.T) {
	eng := buildEngine(t)

	fut, err := eng.Submit(context.Background(), category.Diagnosis, okTask(nil, 17))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := eng.WaitIdle(2 * time.Second); err != nil {
		t.Fatalf("idle: %v", err)
	}

	rec := httptest.NewRecorder()
	eng.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap usage.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Category(category.Diagnosis).Tokens != 17 {
		t.Errorf("snapshot = %+v", snap.Category(category.Diagnosis))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Shutdown
// ─────────────────────────────────────────────────────────────────────────────

func TestEngine_StopRefusesNewWork(t *testing.T) {
	eng := buildEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_, err := eng.Submit(context.Background(), category.Diagnosis, okTask(nil, 0))
	if !errors.Is(err, dispatch.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestEngine_StopWaitsForInFlight(t *testing.T) {
	eng := buildEngine(t)

	fut, err := eng.Submit(context.Background(), category.Diagnosis, func(ctx context.Context, call request.Call) (*request.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return &request.Result{Value: "done"}, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	res, err := fut.Wait(context.Background())
	if err != nil || res.Value != "done" {
		t.Fatalf("in-flight work lost during shutdown: res=%v err=%v", res, err)
	}
}
