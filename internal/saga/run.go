package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Signal is an asynchronous mutation delivered to a run. Signals are applied
// to saga state only while the run is suspended (awaiting a step, a
// condition, or a child) or at an explicit checkpoint; they never preempt an
// in-flight step call.
type Signal struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Instance is one saga's orchestration logic. Execute drives the state
// machine using the RunContext's suspension primitives; it must return a
// structured result rather than letting step faults escape, except when the
// surrounding context is cancelled. ApplySignal is only ever called from the
// run's own goroutine. Snapshot must be safe to call from any goroutine and
// must never block.
type Instance interface {
	Execute(ctx context.Context, rc *RunContext) (any, error)
	ApplySignal(sig Signal)
	Snapshot() any
}

type stepFault struct {
	Message string `json:"message"`
}

type stepOutcome struct {
	out any
	err error
}

// RunContext is the execution context handed to an Instance. It owns the
// run's signal mailbox and journal cursor and enforces the single-writer
// discipline: all state mutation funnels through the goroutine running
// Execute.
type RunContext struct {
	id      string
	runID   string
	journal Journal
	clock   Clock
	logf    func(string, ...any)
	observe func(step string) func(error)

	instance Instance
	mailbox  chan Signal
	mgr      *Manager

	replay []Event
	cursor int
}

// ID returns the run's addressing identifier.
func (rc *RunContext) ID() string { return rc.id }

// RunID returns the identifier assigned when the run first started. It is
// recovered from the journal on resume, so values derived from it (such as
// payment keys) are stable across restarts and retries.
func (rc *RunContext) RunID() string { return rc.runID }

// Now returns the run clock's current time.
func (rc *RunContext) Now() time.Time { return rc.clock.Now() }

// ExecuteStep invokes a named side-effecting operation under the given
// policy: each attempt is bounded by policy.Timeout, transient faults are
// retried with exponential backoff, and the last fault after exhausted
// attempts is surfaced as a terminal step failure. The outcome is journaled;
// on recovery replay the recorded outcome is returned without re-executing.
// While the step is in flight the run keeps draining its signal mailbox.
func (rc *RunContext) ExecuteStep(ctx context.Context, name string, policy StepPolicy, fn func(context.Context) (any, error)) (json.RawMessage, error) {
	for rc.cursor < len(rc.replay) {
		ev := rc.replay[rc.cursor]
		switch ev.Kind {
		case EventSignalReceived:
			rc.cursor++
			rc.instance.ApplySignal(Signal{Name: ev.Name, Payload: ev.Payload})
		case EventStepCompleted:
			if ev.Name != name {
				return nil, fmt.Errorf("%w: journal has step %q, run requested %q", ErrJournalMismatch, ev.Name, name)
			}
			rc.cursor++
			return ev.Payload, nil
		case EventStepFailed:
			if ev.Name != name {
				return nil, fmt.Errorf("%w: journal has step %q, run requested %q", ErrJournalMismatch, ev.Name, name)
			}
			rc.cursor++
			var fault stepFault
			_ = json.Unmarshal(ev.Payload, &fault)
			return nil, Terminal(errors.New(fault.Message))
		default:
			return nil, fmt.Errorf("%w: journal has %s, run requested step %q", ErrJournalMismatch, ev.Kind, name)
		}
	}

	done := make(chan stepOutcome, 1)
	go func() {
		done <- rc.executeAttempts(ctx, name, policy, fn)
	}()

	for {
		select {
		case sig := <-rc.mailbox:
			rc.recordSignal(ctx, sig)
		case o := <-done:
			if o.err != nil {
				fault, _ := json.Marshal(stepFault{Message: o.err.Error()})
				rc.append(ctx, Event{Kind: EventStepFailed, Name: name, Payload: fault})
				return nil, o.err
			}
			payload, err := json.Marshal(o.out)
			if err != nil {
				return nil, fmt.Errorf("marshal step %q output: %w", name, err)
			}
			rc.append(ctx, Event{Kind: EventStepCompleted, Name: name, Payload: payload})
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (rc *RunContext) executeAttempts(ctx context.Context, name string, policy StepPolicy, fn func(context.Context) (any, error)) stepOutcome {
	retry := policy.Retry
	if retry.Sleep == nil {
		retry.Sleep = rc.clock.Sleep
	}
	if retry.ShouldRetry == nil {
		// Per-attempt timeouts are transient; only an explicit terminal
		// marker or cancellation of the run itself stops the attempts early.
		retry.ShouldRetry = func(err error) bool {
			return ctx.Err() == nil && !IsTerminal(err)
		}
	}

	finish := func(error) {}
	if rc.observe != nil {
		finish = rc.observe(name)
	}

	var out any
	err := retry.Do(ctx, func() error {
		attemptCtx := ctx
		cancel := func() {}
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		defer cancel()

		v, err := fn(attemptCtx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	finish(err)
	return stepOutcome{out: out, err: err}
}

// AwaitCondition suspends the run until cond reports true or the timeout
// elapses, applying signals as they arrive. It returns true if the condition
// was met and false on timeout; a zero timeout waits indefinitely. The
// deadline re-arms in full if the process restarts mid-wait.
func (rc *RunContext) AwaitCondition(ctx context.Context, name string, cond func() bool, timeout time.Duration) (bool, error) {
	for rc.cursor < len(rc.replay) {
		if cond() {
			return true, nil
		}
		ev := rc.replay[rc.cursor]
		switch ev.Kind {
		case EventSignalReceived:
			rc.cursor++
			rc.instance.ApplySignal(Signal{Name: ev.Name, Payload: ev.Payload})
		case EventTimerFired:
			if ev.Name != name {
				return false, fmt.Errorf("%w: journal has timer %q, run awaited %q", ErrJournalMismatch, ev.Name, name)
			}
			rc.cursor++
			return false, nil
		default:
			return false, fmt.Errorf("%w: journal has %s, run awaited condition %q", ErrJournalMismatch, ev.Kind, name)
		}
	}

	rc.Checkpoint(ctx)
	if cond() {
		return true, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = rc.clock.After(timeout)
	}
	for {
		select {
		case sig := <-rc.mailbox:
			rc.recordSignal(ctx, sig)
			if cond() {
				return true, nil
			}
		case <-deadline:
			rc.append(ctx, Event{Kind: EventTimerFired, Name: name})
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Checkpoint applies all queued signals now. Sagas call it between steps so
// externally delivered mutations (cancellation in particular) are observed
// before the next step begins.
func (rc *RunContext) Checkpoint(ctx context.Context) {
	for {
		select {
		case sig := <-rc.mailbox:
			rc.recordSignal(ctx, sig)
		default:
			return
		}
	}
}

// RunChild starts a child saga under the manager and awaits its result,
// bounded by wait when wait > 0. The child runs detached from the parent's
// lifecycle: if the bound elapses the parent stops waiting (abandoned=true)
// while the child keeps running and remains signalable/queryable through the
// manager. The child's terminal outcome (or abandonment) is journaled in the
// parent's log.
func (rc *RunContext) RunChild(ctx context.Context, childID string, child Instance, wait time.Duration) (result json.RawMessage, abandoned bool, err error) {
	for rc.cursor < len(rc.replay) {
		ev := rc.replay[rc.cursor]
		switch ev.Kind {
		case EventSignalReceived:
			rc.cursor++
			rc.instance.ApplySignal(Signal{Name: ev.Name, Payload: ev.Payload})
		case EventChildCompleted:
			if ev.Name != childID {
				return nil, false, fmt.Errorf("%w: journal has child %q, run requested %q", ErrJournalMismatch, ev.Name, childID)
			}
			rc.cursor++
			return ev.Payload, false, nil
		case EventChildFailed:
			if ev.Name != childID {
				return nil, false, fmt.Errorf("%w: journal has child %q, run requested %q", ErrJournalMismatch, ev.Name, childID)
			}
			rc.cursor++
			var fault stepFault
			_ = json.Unmarshal(ev.Payload, &fault)
			return nil, false, Terminal(errors.New(fault.Message))
		case EventChildAbandoned:
			if ev.Name != childID {
				return nil, false, fmt.Errorf("%w: journal has child %q, run requested %q", ErrJournalMismatch, ev.Name, childID)
			}
			rc.cursor++
			return nil, true, nil
		default:
			return nil, false, fmt.Errorf("%w: journal has %s, run requested child %q", ErrJournalMismatch, ev.Kind, childID)
		}
	}

	h, err := rc.mgr.Start(ctx, childID, child)
	if errors.Is(err, ErrRunActive) {
		// Recovery can race the child's own resume; attach to the live run.
		var ok bool
		h, ok = rc.mgr.Get(childID)
		if !ok {
			return nil, false, err
		}
	} else if err != nil {
		return nil, false, err
	}

	var bound <-chan time.Time
	if wait > 0 {
		bound = rc.clock.After(wait)
	}
	for {
		select {
		case sig := <-rc.mailbox:
			rc.recordSignal(ctx, sig)
		case <-h.Done():
			if cerr := h.Err(); cerr != nil {
				fault, _ := json.Marshal(stepFault{Message: cerr.Error()})
				rc.append(ctx, Event{Kind: EventChildFailed, Name: childID, Payload: fault})
				return nil, false, cerr
			}
			res := h.ResultRaw()
			rc.append(ctx, Event{Kind: EventChildCompleted, Name: childID, Payload: res})
			return res, false, nil
		case <-bound:
			rc.append(ctx, Event{Kind: EventChildAbandoned, Name: childID})
			return nil, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (rc *RunContext) recordSignal(ctx context.Context, sig Signal) {
	rc.append(ctx, Event{Kind: EventSignalReceived, Name: sig.Name, Payload: sig.Payload})
	rc.instance.ApplySignal(sig)
}

// append journals an event. A journal write failure is logged rather than
// aborting the run: replay after such a failure may re-execute the affected
// operation, which step-level idempotency must absorb.
func (rc *RunContext) append(ctx context.Context, ev Event) {
	ev.At = rc.clock.Now()
	if _, err := rc.journal.Append(context.WithoutCancel(ctx), rc.id, ev); err != nil {
		rc.logf("saga %s: journal append %s %q: %v", rc.id, ev.Kind, ev.Name, err)
	}
}
