package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	afterCh chan time.Time
	armed   chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		afterCh: make(chan time.Time, 1),
		armed:   make(chan struct{}, 8),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	select {
	case c.armed <- struct{}{}:
	default:
	}
	return c.afterCh
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func (c *fakeClock) fire() { c.afterCh <- c.Now() }

// gateSaga runs one step then waits for an approval signal.
type gateSaga struct {
	mu       sync.Mutex
	approved bool
	executed int
	stepErrs []error
	timeout  time.Duration
}

func (s *gateSaga) Execute(ctx context.Context, rc *RunContext) (any, error) {
	policy := StepPolicy{Retry: RetryPolicy{MaxAttempts: 3}}
	_, err := rc.ExecuteStep(ctx, "prepare", policy, func(context.Context) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.executed++
		if s.executed <= len(s.stepErrs) {
			return nil, s.stepErrs[s.executed-1]
		}
		return "ready", nil
	})
	if err != nil {
		return nil, err
	}

	ok, err := rc.AwaitCondition(ctx, "approval", s.isApproved, s.timeout)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"approved": ok}, nil
}

func (s *gateSaga) ApplySignal(sig Signal) {
	if sig.Name == "approve" {
		s.mu.Lock()
		s.approved = true
		s.mu.Unlock()
	}
}

func (s *gateSaga) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]bool{"approved": s.approved}
}

func (s *gateSaga) isApproved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approved
}

func (s *gateSaga) executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed
}

func testLogf(t *testing.T) func(string, ...any) {
	return func(format string, args ...any) { t.Logf(format, args...) }
}

func TestManager_SignalReleasesCondition(t *testing.T) {
	m := NewManager(Config{Clock: newFakeClock(), Logf: testLogf(t)})
	saga := &gateSaga{}

	h, err := m.Start(context.Background(), "run-1", saga)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if err := m.Signal("run-1", Signal{Name: "approve"}); err == nil {
			break
		} else if errors.Is(err, ErrRunNotFound) {
			t.Fatalf("run disappeared before signal")
		}
		select {
		case <-deadline:
			t.Fatalf("could not deliver signal")
		default:
		}
	}

	var out map[string]bool
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Result(ctx, &out); err != nil {
		t.Fatalf("result: %v", err)
	}
	if !out["approved"] {
		t.Fatalf("expected approved result, got %v", out)
	}
	if saga.executions() != 1 {
		t.Fatalf("expected 1 step execution, got %d", saga.executions())
	}
}

func TestManager_ConditionTimeout(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Clock: clock, Logf: testLogf(t)})
	saga := &gateSaga{timeout: time.Hour}

	h, err := m.Start(context.Background(), "run-1", saga)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-clock.armed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never armed")
	}
	clock.fire()

	var out map[string]bool
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Result(ctx, &out); err != nil {
		t.Fatalf("result: %v", err)
	}
	if out["approved"] {
		t.Fatalf("expected timeout outcome, got %v", out)
	}
}

func TestManager_StepRetriesThenSucceeds(t *testing.T) {
	m := NewManager(Config{Clock: newFakeClock(), Logf: testLogf(t)})
	saga := &gateSaga{stepErrs: []error{errors.New("flaky"), errors.New("flaky again")}}

	h, err := m.Start(context.Background(), "run-1", saga)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := awaitSignal(t, m, "run-1", Signal{Name: "approve"}); err != nil {
		t.Fatalf("signal: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Result(ctx, nil); err != nil {
		t.Fatalf("result: %v", err)
	}
	if saga.executions() != 3 {
		t.Fatalf("expected 3 attempts, got %d", saga.executions())
	}
}

func TestManager_StepExhaustsAttempts(t *testing.T) {
	m := NewManager(Config{Clock: newFakeClock(), Logf: testLogf(t)})
	saga := &gateSaga{stepErrs: []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}}

	h, err := m.Start(context.Background(), "run-1", saga)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = h.Result(ctx, nil)
	if err == nil || err.Error() != "c" {
		t.Fatalf("expected last attempt error, got %v", err)
	}
	if saga.executions() != 3 {
		t.Fatalf("expected 3 attempts, got %d", saga.executions())
	}
}

func TestManager_DuplicateStart(t *testing.T) {
	m := NewManager(Config{Clock: newFakeClock(), Logf: testLogf(t)})

	if _, err := m.Start(context.Background(), "run-1", &gateSaga{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Start(context.Background(), "run-1", &gateSaga{}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}

	if err := awaitSignal(t, m, "run-1", Signal{Name: "approve"}); err != nil {
		t.Fatalf("signal: %v", err)
	}
}

func TestManager_QueryUnknownRun(t *testing.T) {
	m := NewManager(Config{Logf: testLogf(t)})
	if _, err := m.Query("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := m.Signal("nope", Signal{Name: "approve"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestManager_SignalAfterFinish(t *testing.T) {
	m := NewManager(Config{Clock: newFakeClock(), Logf: testLogf(t)})
	saga := &gateSaga{}

	h, err := m.Start(context.Background(), "run-1", saga)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := awaitSignal(t, m, "run-1", Signal{Name: "approve"}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Result(ctx, nil); err != nil {
		t.Fatalf("result: %v", err)
	}

	if err := h.Signal(Signal{Name: "approve"}); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("expected ErrRunFinished, got %v", err)
	}
}

func TestManager_ReplaySkipsRecordedSteps(t *testing.T) {
	journal := NewMemoryJournal()
	clock := newFakeClock()

	first := NewManager(Config{Journal: journal, Clock: clock, Logf: testLogf(t)})
	original := &gateSaga{}
	h, err := first.Start(context.Background(), "run-1", original)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := awaitSignal(t, first, "run-1", Signal{Name: "approve"}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Result(ctx, nil); err != nil {
		t.Fatalf("result: %v", err)
	}
	firstRunID := h.RunID()

	// Second manager over the same journal simulates a process restart.
	second := NewManager(Config{Journal: journal, Clock: clock, Logf: testLogf(t)})
	replayed := &gateSaga{}
	h2, err := second.Start(context.Background(), "run-1", replayed)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	var out map[string]bool
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := h2.Result(ctx2, &out); err != nil {
		t.Fatalf("replayed result: %v", err)
	}
	if !out["approved"] {
		t.Fatalf("expected replayed approval, got %v", out)
	}
	if replayed.executions() != 0 {
		t.Fatalf("replay must not re-execute steps, got %d executions", replayed.executions())
	}
	if h2.RunID() != firstRunID {
		t.Fatalf("run id must be stable across recovery: %s != %s", h2.RunID(), firstRunID)
	}
}

// parentSaga spawns a blocking child and awaits it with a bound.
type parentSaga struct {
	child Instance
	wait  time.Duration
}

func (p *parentSaga) Execute(ctx context.Context, rc *RunContext) (any, error) {
	result, abandoned, err := rc.RunChild(ctx, "child-1", p.child, p.wait)
	if err != nil {
		return nil, err
	}
	return map[string]any{"abandoned": abandoned, "result": result}, nil
}

func (p *parentSaga) ApplySignal(Signal) {}

func (p *parentSaga) Snapshot() any { return nil }

func TestRunChild_DeliversResult(t *testing.T) {
	m := NewManager(Config{Clock: newFakeClock(), Logf: testLogf(t)})
	child := &gateSaga{}

	h, err := m.Start(context.Background(), "parent-1", &parentSaga{child: child})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := awaitSignal(t, m, "child-1", Signal{Name: "approve"}); err != nil {
		t.Fatalf("signal child: %v", err)
	}

	var out struct {
		Abandoned bool            `json:"abandoned"`
		Result    json.RawMessage `json:"result"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Result(ctx, &out); err != nil {
		t.Fatalf("result: %v", err)
	}
	if out.Abandoned {
		t.Fatalf("expected child result, got abandonment")
	}
	if string(out.Result) == "" || string(out.Result) == "null" {
		t.Fatalf("expected child payload, got %q", out.Result)
	}
}

func TestRunChild_AbandonAfterBound(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{Clock: clock, Logf: testLogf(t)})
	child := &gateSaga{}

	h, err := m.Start(context.Background(), "parent-1", &parentSaga{child: child, wait: time.Minute})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-clock.armed:
	case <-time.After(2 * time.Second):
		t.Fatalf("bound timer never armed")
	}
	clock.fire()

	var out struct {
		Abandoned bool `json:"abandoned"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Result(ctx, &out); err != nil {
		t.Fatalf("result: %v", err)
	}
	if !out.Abandoned {
		t.Fatalf("expected abandonment")
	}

	// The abandoned child keeps running and stays addressable.
	if _, ok := m.Get("child-1"); !ok {
		t.Fatalf("abandoned child should remain live")
	}
	if err := m.Signal("child-1", Signal{Name: "approve"}); err != nil {
		t.Fatalf("signal abandoned child: %v", err)
	}
	m.Wait()
}

// awaitSignal retries delivery until the run is live enough to accept it.
func awaitSignal(t *testing.T, m *Manager, id string, sig Signal) error {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		err := m.Signal(id, sig)
		if err == nil || errors.Is(err, ErrRunFinished) {
			return err
		}
		select {
		case <-deadline:
			return err
		default:
		}
	}
}
