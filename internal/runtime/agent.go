package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/metrics"
)

// Adaptive concurrency thresholds.
const (
	cpuHighWater = 80.0
	memHighWater = 85.0
	cpuLowWater  = 50.0
)

// LoadShedder suspends and resumes low-priority agents when the host
// runs hot. The registry implements it.
type LoadShedder interface {
	PauseLowPriority(ctx context.Context, reason string) error
	ResumeLowPriority(ctx context.Context) error
}

// Trimmer releases memory held by a component, such as the scraper's
// indicator histories.
type Trimmer func()

// Agent is the runtime specialist: it samples host resources on each
// step and tunes the task queue's concurrency to match.
type Agent struct {
	*agents.BaseAgent

	source MetricsSource
	queue  *Queue

	mu       sync.Mutex
	shedder  LoadShedder
	trimmers []Trimmer
	last     *Snapshot
	shedding bool
}

// NewAgent wires the sampler and queue. A nil source falls back to
// real host metrics.
func NewAgent(base *agents.BaseAgent, source MetricsSource, queue *Queue) *Agent {
	if source == nil {
		source = NewOSSampler("")
	}
	return &Agent{BaseAgent: base, source: source, queue: queue}
}

// SetShedder installs the load shedder. Optional; without one the
// agent only tunes queue concurrency.
func (a *Agent) SetShedder(s LoadShedder) {
	a.mu.Lock()
	a.shedder = s
	a.mu.Unlock()
}

// AddTrimmer registers a memory-release hook invoked under memory
// pressure.
func (a *Agent) AddTrimmer(t Trimmer) {
	a.mu.Lock()
	a.trimmers = append(a.trimmers, t)
	a.mu.Unlock()
}

// Queue exposes the task queue for submitters.
func (a *Agent) Queue() *Queue { return a.queue }

// LastSnapshot returns the most recent resource sample, or nil before
// the first step.
func (a *Agent) LastSnapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return nil
	}
	snap := *a.last
	return &snap
}

// Step samples the host and applies the adaptive policy.
func (a *Agent) Step(ctx context.Context) error {
	snap, err := a.source.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sample host metrics: %w", err)
	}

	a.mu.Lock()
	a.last = snap
	a.mu.Unlock()

	m := metrics.Fabric()
	m.HostCPUPercent.Set(snap.CPUPercent)
	m.HostMemPercent.Set(snap.MemPercent)

	a.adapt(ctx, snap)
	return a.memorize(ctx, snap)
}

// adapt applies the pressure policy: shrink concurrency and shed
// low-priority agents on CPU pressure, trim histories on memory
// pressure, relax when the host is idle.
func (a *Agent) adapt(ctx context.Context, snap *Snapshot) {
	switch {
	case snap.CPUPercent > cpuHighWater:
		prev := a.queue.MaxConcurrent()
		cur := a.queue.SetMaxConcurrent(prev - 1)
		if cur != prev {
			a.Logger().Warn().
				Float64("cpu_percent", snap.CPUPercent).
				Int("max_concurrent", cur).
				Msg("CPU pressure, reduced task concurrency")
		}
		a.shed(ctx, fmt.Sprintf("cpu at %.0f%%", snap.CPUPercent))
	case snap.CPUPercent < cpuLowWater:
		prev := a.queue.MaxConcurrent()
		if prev < maxConcurrentCap {
			a.queue.SetMaxConcurrent(prev + 1)
		}
		a.unshed(ctx)
	}

	if snap.MemPercent > memHighWater {
		a.mu.Lock()
		trimmers := make([]Trimmer, len(a.trimmers))
		copy(trimmers, a.trimmers)
		a.mu.Unlock()
		for _, trim := range trimmers {
			trim()
		}
		if len(trimmers) > 0 {
			a.Logger().Warn().
				Float64("mem_percent", snap.MemPercent).
				Int("trimmers", len(trimmers)).
				Msg("Memory pressure, trimmed component histories")
		}
	}
}

func (a *Agent) shed(ctx context.Context, reason string) {
	a.mu.Lock()
	s := a.shedder
	already := a.shedding
	a.shedding = s != nil
	a.mu.Unlock()
	if s == nil || already {
		return
	}
	if err := s.PauseLowPriority(ctx, reason); err != nil {
		a.Logger().Warn().Err(err).Msg("Failed to pause low-priority agents")
	}
}

func (a *Agent) unshed(ctx context.Context) {
	a.mu.Lock()
	s := a.shedder
	wasShedding := a.shedding
	a.shedding = false
	a.mu.Unlock()
	if s == nil || !wasShedding {
		return
	}
	if err := s.ResumeLowPriority(ctx); err != nil {
		a.Logger().Warn().Err(err).Msg("Failed to resume low-priority agents")
	}
}

// Shedding reports whether low-priority agents are currently paused
// by this agent.
func (a *Agent) Shedding() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shedding
}

func (a *Agent) memorize(ctx context.Context, snap *Snapshot) error {
	stats := a.queue.Stats()
	_, err := a.StoreMemory(ctx,
		fmt.Sprintf("Host: cpu %.1f%%, mem %.1f%%, disk %.1f%%; queue: %d running, %d pending, ceiling %d",
			snap.CPUPercent, snap.MemPercent, snap.DiskPercent,
			stats.Running, stats.Pending, stats.MaxConcurrent),
		memory.ContentSystemMetrics,
		map[string]any{
			memory.MetaImportance: 0.2,
			"cpu_percent":         snap.CPUPercent,
			"mem_percent":         snap.MemPercent,
			"disk_percent":        snap.DiskPercent,
			"load_1":              snap.Load1,
			"max_concurrent":      stats.MaxConcurrent,
			"tasks_running":       stats.Running,
			"tasks_pending":       stats.Pending,
		},
	)
	if err != nil {
		return fmt.Errorf("memorize system metrics: %w", err)
	}
	return nil
}

// StuckTasks lists running tasks older than the stuck cutoff. Their
// contexts are already past deadline; this surfaces the names for
// the health view.
func (a *Agent) StuckTasks() []string {
	a.queue.mu.Lock()
	defer a.queue.mu.Unlock()
	var out []string
	now := time.Now()
	for _, t := range a.queue.tasks {
		if t.status == TaskRunning && now.Sub(t.started) > stuckCutoff {
			out = append(out, t.name)
		}
	}
	return out
}
