package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

const mailboxSize = 64

// Config configures a Manager.
type Config struct {
	Journal Journal
	Clock   Clock
	Logf    func(format string, args ...any)

	// Observe, when set, is called with each step name before execution and
	// the returned func with the step's final error. Used to wire metrics.
	Observe func(step string) func(error)

	// BaseContext bounds the lifetime of every run goroutine. Runs stopped by
	// its cancellation resume from their journals on the next Start.
	BaseContext context.Context
}

// Manager is the registry of live saga runs: it starts (or resumes) runs,
// routes signals into their mailboxes, and serves snapshot queries.
type Manager struct {
	journal Journal
	clock   Clock
	logf    func(string, ...any)
	observe func(step string) func(error)
	baseCtx context.Context

	mu   sync.Mutex
	runs map[string]*Handle
	wg   sync.WaitGroup
}

// NewManager constructs a Manager with sane defaults: in-memory journal,
// system clock, log.Printf.
func NewManager(cfg Config) *Manager {
	journal := cfg.Journal
	if journal == nil {
		journal = NewMemoryJournal()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Manager{
		journal: journal,
		clock:   clock,
		logf:    logf,
		observe: cfg.Observe,
		baseCtx: baseCtx,
		runs:    make(map[string]*Handle),
	}
}

// Handle addresses one live (or finished) saga run.
type Handle struct {
	id      string
	runID   string
	mailbox chan Signal

	instance Instance
	done     chan struct{}

	// result and err are written once, before done is closed.
	result json.RawMessage
	err    error
}

// ID returns the run's addressing identifier.
func (h *Handle) ID() string { return h.id }

// RunID returns the identifier assigned when the run first started.
func (h *Handle) RunID() string { return h.runID }

// Signal delivers a signal into the run's mailbox without blocking. The run
// applies it at its next suspension point or checkpoint.
func (h *Handle) Signal(sig Signal) error {
	select {
	case <-h.done:
		return ErrRunFinished
	default:
	}
	select {
	case h.mailbox <- sig:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Done is closed when the run reaches a terminal outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the run's terminal error, valid after Done is closed.
func (h *Handle) Err() error { return h.err }

// ResultRaw returns the run's JSON-encoded result, valid after Done is closed.
func (h *Handle) ResultRaw() json.RawMessage { return h.result }

// Result blocks until the run finishes and unmarshals its result into out.
func (h *Handle) Result(ctx context.Context, out any) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if h.err != nil {
		return h.err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(h.result, out)
}

// Snapshot returns the instance's state snapshot. Never blocks.
func (h *Handle) Snapshot() any { return h.instance.Snapshot() }

// Start launches (or, when a journal for the id already exists, resumes) a
// saga run. A second Start for a live id returns ErrRunActive.
func (m *Manager) Start(ctx context.Context, id string, inst Instance) (*Handle, error) {
	m.mu.Lock()
	if _, exists := m.runs[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunActive, id)
	}
	// Reserve the id before the journal round-trip so concurrent starts of
	// the same run cannot both proceed.
	m.runs[id] = nil
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.runs, id)
		m.mu.Unlock()
	}

	events, err := m.journal.Load(ctx, id)
	if err != nil {
		release()
		return nil, fmt.Errorf("load journal for %s: %w", id, err)
	}

	var runID string
	if len(events) > 0 && events[0].Kind == EventRunStarted {
		var started struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(events[0].Payload, &started); err != nil {
			release()
			return nil, fmt.Errorf("decode run_started for %s: %w", id, err)
		}
		runID = started.RunID
		events = events[1:]
	} else {
		runID = uuid.NewString()
		payload, _ := json.Marshal(map[string]string{"run_id": runID})
		if _, err := m.journal.Append(ctx, id, Event{Kind: EventRunStarted, Payload: payload, At: m.clock.Now()}); err != nil {
			release()
			return nil, fmt.Errorf("journal run start for %s: %w", id, err)
		}
	}

	h := &Handle{
		id:       id,
		runID:    runID,
		mailbox:  make(chan Signal, mailboxSize),
		instance: inst,
		done:     make(chan struct{}),
	}
	rc := &RunContext{
		id:       id,
		runID:    runID,
		journal:  m.journal,
		clock:    m.clock,
		logf:     m.logf,
		observe:  m.observe,
		instance: inst,
		mailbox:  h.mailbox,
		mgr:      m,
		replay:   events,
	}

	m.mu.Lock()
	m.runs[id] = h
	m.mu.Unlock()

	if len(events) > 0 {
		m.logf("saga %s: resuming from journal (%d events)", id, len(events))
	}

	m.wg.Add(1)
	go m.run(h, rc)
	return h, nil
}

func (m *Manager) run(h *Handle, rc *RunContext) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("saga %s: run panic: %v", h.id, r)
			m.finish(h)
		}
	}()

	out, err := h.instance.Execute(m.baseCtx, rc)
	if err != nil {
		h.err = err
	} else if h.result, err = json.Marshal(out); err != nil {
		h.err = fmt.Errorf("marshal result for %s: %w", h.id, err)
	}
	m.finish(h)
}

func (m *Manager) finish(h *Handle) {
	close(h.done)
	m.mu.Lock()
	delete(m.runs, h.id)
	m.mu.Unlock()
	if h.err != nil {
		m.logf("saga %s: run ended: %v", h.id, h.err)
	}
}

// Get returns the handle for a live run.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.runs[id]
	return h, ok && h != nil
}

// Signal routes a signal to a live run.
func (m *Manager) Signal(id string, sig Signal) error {
	h, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return h.Signal(sig)
}

// Query returns a live run's state snapshot. It never blocks on the run.
func (m *Manager) Query(id string) (any, error) {
	h, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return h.Snapshot(), nil
}

// Wait blocks until every run goroutine has returned. Intended for shutdown.
func (m *Manager) Wait() { m.wg.Wait() }
