package observability

import (
	"sync"
	"time"
)

type StepSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec     int64                   `json:"uptime_sec"`
	TotalSteps    int64                   `json:"total_steps"`
	TotalErrors   int64                   `json:"total_errors"`
	InFlight      int64                   `json:"in_flight"`
	RunsStarted   int64                   `json:"runs_started"`
	RunsFinished  map[string]int64        `json:"runs_finished,omitempty"`
	Lifecycle     *LifecycleSnapshot      `json:"lifecycle,omitempty"`
	Steps         map[string]StepSnapshot `json:"steps"`
}

type stepStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics tracks saga run and step activity for the metrics endpoint.
type Metrics struct {
	mu           sync.Mutex
	start        time.Time
	steps        map[string]*stepStats
	runsStarted  int64
	runsFinished map[string]int64
	lifecycle    lifecycleStats
}

// StepSpan measures one step execution from start to finish.
type StepSpan struct {
	metrics *Metrics
	step    string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:        time.Now(),
		steps:        make(map[string]*stepStats),
		runsFinished: make(map[string]int64),
	}
}

// Start begins a span for a named step. Nil metrics are tolerated so spans
// can be created unconditionally.
func (m *Metrics) Start(step string) *StepSpan {
	if m == nil {
		return &StepSpan{}
	}
	m.mu.Lock()
	stats := m.ensureStep(step)
	stats.inFlight++
	m.mu.Unlock()
	return &StepSpan{
		metrics: m,
		step:    step,
		start:   time.Now(),
	}
}

func (s *StepSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.step, dur, err != nil)
}

// Observe adapts the metrics into the saga runtime's step observation hook.
func (m *Metrics) Observe(step string) func(error) {
	span := m.Start(step)
	return span.End
}

// RunStarted counts a saga run start.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.runsStarted++
	m.mu.Unlock()
}

// RunFinished counts a saga run's terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.runsFinished[status]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:   int64(now.Sub(m.start).Seconds()),
		Steps:       make(map[string]StepSnapshot),
		RunsStarted: m.runsStarted,
	}

	if len(m.runsFinished) > 0 {
		snap.RunsFinished = make(map[string]int64, len(m.runsFinished))
		for status, n := range m.runsFinished {
			snap.RunsFinished[status] = n
		}
	}

	for step, stats := range m.steps {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Steps[step] = StepSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalSteps += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureStep(step string) *stepStats {
	stats, ok := m.steps[step]
	if !ok {
		stats = &stepStats{}
		m.steps[step] = stats
	}
	return stats
}

func (m *Metrics) finish(step string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureStep(step)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
