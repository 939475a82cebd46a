package saga

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventKind identifies the type of a journaled run event.
type EventKind string

const (
	EventRunStarted     EventKind = "run_started"
	EventStepCompleted  EventKind = "step_completed"
	EventStepFailed     EventKind = "step_failed"
	EventSignalReceived EventKind = "signal_received"
	EventTimerFired     EventKind = "timer_fired"
	EventChildCompleted EventKind = "child_completed"
	EventChildFailed    EventKind = "child_failed"
	EventChildAbandoned EventKind = "child_abandoned"
)

// Event is a single entry in a run's append-only journal.
// Name carries the step name, signal name, timer name, or child run id
// depending on Kind.
type Event struct {
	Seq     int64           `json:"seq"`
	Kind    EventKind       `json:"kind"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Journal persists the append-only event log for saga runs. Append assigns
// and returns the event's sequence number; Load returns a run's events in
// sequence order. Recovery after a restart replays the loaded events to
// reconstruct run state without re-executing recorded steps.
type Journal interface {
	Append(ctx context.Context, runID string, ev Event) (int64, error)
	Load(ctx context.Context, runID string) ([]Event, error)
}

// MemoryJournal keeps run events in memory. Suited to tests and demo runs;
// nothing survives a process restart.
type MemoryJournal struct {
	mu   sync.Mutex
	runs map[string][]Event
}

// NewMemoryJournal constructs an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{runs: make(map[string][]Event)}
}

func (j *MemoryJournal) Append(ctx context.Context, runID string, ev Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	ev.Seq = int64(len(j.runs[runID]) + 1)
	j.runs[runID] = append(j.runs[runID], ev)
	return ev.Seq, nil
}

func (j *MemoryJournal) Load(ctx context.Context, runID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	events := j.runs[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}
