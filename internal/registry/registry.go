// Package registry tracks every agent in the fabric: registration,
// lifecycle fan-out, heartbeat-driven health scoring, and load
// shedding of low-priority agents under resource pressure.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/bus"
	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/metrics"
)

// Health policy.
const (
	pullInterval        = 5 * time.Second
	healthCheckInterval = time.Minute
	heartbeatStale      = 5 * time.Minute
	maxErrorCount       = 5
)

// Registration binds a named agent to its stepper.
type Registration struct {
	Base        *agents.BaseAgent
	Stepper     agents.Stepper
	LowPriority bool // eligible for load shedding
}

type entry struct {
	Registration

	lastHeartbeat time.Time
	errorCount    int
	restartCount  int
	unhealthy     bool
	shedPaused    bool
}

// HealthReport is one health evaluation over all registered agents.
type HealthReport struct {
	Total     int       `json:"total"`
	Unhealthy []string  `json:"unhealthy,omitempty"`
	Score     float64   `json:"score"`
	Degraded  []string  `json:"degraded,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry is the agent roster and health monitor.
type Registry struct {
	store *memory.Store
	bus   *bus.Bus
	log   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	hbSub *bus.Subscription
}

// New builds an empty registry. The bus is optional; without one,
// health relies on registered agents' own error counters.
func New(store *memory.Store, b *bus.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		bus:     b,
		log:     log.With().Str("component", "registry").Logger(),
		entries: make(map[string]*entry),
	}
}

// Register adds an agent once; re-registration is an error.
func (r *Registry) Register(reg Registration) error {
	if reg.Base == nil || reg.Stepper == nil {
		return fmt.Errorf("registration requires agent and stepper")
	}
	name := reg.Base.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("agent %s already registered", name)
	}
	r.entries[name] = &entry{Registration: reg, lastHeartbeat: time.Now()}
	r.order = append(r.order, name)
	return nil
}

// Names lists registered agents in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %s", name)
	}
	return e, nil
}

// Start launches one agent's process loop.
func (r *Registry) Start(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return e.Base.Start(ctx, e.Stepper)
}

// Stop shuts one agent down.
func (r *Registry) Stop(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return e.Base.Stop(ctx)
}

// Pause suspends one agent's stepping.
func (r *Registry) Pause(name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return e.Base.Pause()
}

// Resume reactivates a paused agent.
func (r *Registry) Resume(name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return e.Base.Resume()
}

// StartAll starts every registered agent in registration order,
// stopping the ones already started if any fails.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]string, 0, len(r.Names()))
	for _, name := range r.Names() {
		if err := r.Start(ctx, name); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := r.Stop(ctx, started[i]); stopErr != nil {
					r.log.Warn().Err(stopErr).Str("agent", started[i]).Msg("Rollback stop failed")
				}
			}
			return fmt.Errorf("start agent %s: %w", name, err)
		}
		started = append(started, name)
	}
	return nil
}

// StopAll stops every agent in reverse registration order.
func (r *Registry) StopAll(ctx context.Context) error {
	names := r.Names()
	var firstErr error
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop agent %s: %w", names[i], err)
		}
	}
	return firstErr
}

// PauseLowPriority suspends every low-priority agent. Called by the
// runtime agent under CPU pressure.
func (r *Registry) PauseLowPriority(ctx context.Context, reason string) error {
	r.mu.Lock()
	var targets []*entry
	for _, name := range r.order {
		e := r.entries[name]
		if e.LowPriority && !e.shedPaused {
			e.shedPaused = true
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	for _, e := range targets {
		if err := e.Base.Pause(); err != nil {
			r.log.Warn().Err(err).Str("agent", e.Base.Name()).Msg("Load-shed pause failed")
			continue
		}
		r.log.Info().Str("agent", e.Base.Name()).Str("reason", reason).Msg("Paused low-priority agent")
	}
	return nil
}

// ResumeLowPriority reactivates agents paused by load shedding.
func (r *Registry) ResumeLowPriority(ctx context.Context) error {
	r.mu.Lock()
	var targets []*entry
	for _, name := range r.order {
		e := r.entries[name]
		if e.shedPaused {
			e.shedPaused = false
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	for _, e := range targets {
		if err := e.Base.Resume(); err != nil {
			r.log.Warn().Err(err).Str("agent", e.Base.Name()).Msg("Load-shed resume failed")
		}
	}
	return nil
}

// SubscribeHeartbeats wires the registry to the bus heartbeat topic.
func (r *Registry) SubscribeHeartbeats() error {
	if r.bus == nil {
		return nil
	}
	sub, err := r.bus.SubscribeBroadcasts(bus.TopicHeartbeat, r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	r.hbSub = sub
	return nil
}

func (r *Registry) handleHeartbeat(msg *bus.Message) error {
	var hb agents.HeartbeatMessage
	if err := json.Unmarshal(msg.Payload, &hb); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hb.AgentName]
	if !ok {
		return nil // heartbeat from an agent we do not manage
	}
	e.lastHeartbeat = hb.Timestamp
	e.errorCount = hb.ErrorCount
	return nil
}

// Evaluate recomputes health from the latest heartbeats.
func (r *Registry) Evaluate() HealthReport {
	now := time.Now()

	r.mu.Lock()
	var unhealthy []string
	var active int
	for _, name := range r.order {
		e := r.entries[name]
		bad := now.Sub(e.lastHeartbeat) > heartbeatStale || e.errorCount > maxErrorCount
		if !bad {
			bad = e.Base.State() == agents.StateError
		}
		if bad && !e.unhealthy {
			r.log.Warn().
				Str("agent", name).
				Time("last_heartbeat", e.lastHeartbeat).
				Int("error_count", e.errorCount).
				Msg("Agent marked unhealthy")
		}
		e.unhealthy = bad
		if bad {
			unhealthy = append(unhealthy, name)
		}
		if e.Base.State() == agents.StateActive {
			active++
		}
	}
	total := len(r.order)
	r.mu.Unlock()

	sort.Strings(unhealthy)
	score := 1.0
	if total > 0 {
		score = float64(total-len(unhealthy)) / float64(total)
	}

	m := metrics.Fabric()
	m.ActiveAgents.Set(float64(active))
	m.UnhealthyAgents.Set(float64(len(unhealthy)))

	report := HealthReport{
		Total:     total,
		Unhealthy: unhealthy,
		Score:     score,
		Timestamp: now.UTC(),
	}
	if r.store != nil {
		report.Degraded = r.store.Degraded()
	}
	return report
}

// Run pulls heartbeats on the 5 s cadence and writes a periodic
// health_check memory until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	pull := time.NewTicker(pullInterval)
	defer pull.Stop()
	check := time.NewTicker(healthCheckInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			if r.hbSub != nil {
				if err := r.hbSub.Unsubscribe(); err != nil {
					r.log.Warn().Err(err).Msg("Heartbeat unsubscribe failed")
				}
			}
			return
		case <-pull.C:
			r.Evaluate()
		case <-check.C:
			r.WriteHealthCheck(ctx)
		}
	}
}

// WriteHealthCheck evaluates health and persists it as a memory.
func (r *Registry) WriteHealthCheck(ctx context.Context) HealthReport {
	report := r.Evaluate()
	text := fmt.Sprintf("Health check: %d/%d agents healthy, score %.2f",
		report.Total-len(report.Unhealthy), report.Total, report.Score)

	if _, err := r.store.Store(ctx, text, map[string]any{
		memory.MetaContentType: string(memory.ContentHealthCheck),
		memory.MetaImportance:  0.4,
		memory.MetaSource:      "registry",
		"score":                report.Score,
		"unhealthy":            report.Unhealthy,
		"degraded":             report.Degraded,
	}); err != nil {
		r.log.Warn().Err(err).Msg("Failed to persist health check")
	}
	return report
}
