// Package agents provides the base contract shared by every
// specialized agent: lifecycle state machine, per-agent memory
// namespace, performance accounting, and the learning hook.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pennyops/tradefabric/internal/bus"
	"github.com/pennyops/tradefabric/internal/fanout"
	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/metrics"
	"github.com/pennyops/tradefabric/internal/router"
)

// shutdownGrace is how long Stop waits for the step loop to exit
// before giving up.
const shutdownGrace = 5 * time.Second

// State is an agent's lifecycle state.
type State string

const (
	StateInactive State = "inactive"
	StateStarting State = "starting"
	StateActive   State = "active"
	StatePausing  State = "pausing"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// validTransitions is the lifecycle state machine.
var validTransitions = map[State][]State{
	StateInactive: {StateStarting},
	StateStarting: {StateActive, StateError},
	StateActive:   {StatePausing, StateStopping, StateError},
	StatePausing:  {StatePaused, StateStopping, StateError},
	StatePaused:   {StateActive, StateStopping},
	StateStopping: {StateInactive, StateError},
	StateError:    {StateStarting, StateStopping, StateInactive},
}

// Stepper is the domain policy a specialized agent plugs into the base
// loop. Step must return promptly relative to the step interval and
// honor context cancellation on anything blocking.
type Stepper interface {
	Step(ctx context.Context) error
}

// Performance is a point-in-time snapshot of an agent's counters. All
// counters are monotonically non-decreasing.
type Performance struct {
	DecisionsMade int     `json:"decisions_made"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	Accuracy      float64 `json:"accuracy"`
	CumulativePnL float64 `json:"cumulative_pnl"`
	ErrorCount    int     `json:"error_count"`
}

// ScoredRecord pairs a retrieved memory with its relevance in [0,1],
// mapped from cosine distance as relevance = 1 - distance.
type ScoredRecord struct {
	Record    *memory.Record
	Relevance float64
}

// Config wires a base agent into the fabric.
type Config struct {
	Name         string
	Kind         string
	StepInterval time.Duration
	Store        *memory.Store
	Router       *router.Router
	Fanout       *fanout.Fanout
	Bus          *bus.Bus
	Logger       zerolog.Logger
}

// BaseAgent carries everything the specialized agents share. Each
// agent owns one BaseAgent by embedding or composition.
type BaseAgent struct {
	name         string
	kind         string
	id           string
	stepInterval time.Duration

	store *memory.Store
	rtr   *router.Router
	out   *fanout.Fanout
	bus   *bus.Bus

	log zerolog.Logger
	m   *metrics.FabricMetrics

	stateMu sync.RWMutex
	state   State
	paused  bool

	perfMu        sync.Mutex
	decisionsMade int
	successful    int
	failed        int
	cumulativePnL float64
	errorCount    int

	heartbeat  *Heartbeat
	controlSub *bus.Subscription
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewBaseAgent creates a base agent in the inactive state.
func NewBaseAgent(cfg Config) *BaseAgent {
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = 30 * time.Second
	}
	a := &BaseAgent{
		name:         cfg.Name,
		kind:         cfg.Kind,
		id:           uuid.NewString(),
		stepInterval: cfg.StepInterval,
		store:        cfg.Store,
		rtr:          cfg.Router,
		out:          cfg.Fanout,
		bus:          cfg.Bus,
		log:          cfg.Logger.With().Str("agent", cfg.Name).Str("kind", cfg.Kind).Logger(),
		m:            metrics.Fabric(),
		state:        StateInactive,
	}
	if cfg.Bus != nil {
		a.heartbeat = NewHeartbeat(cfg.Name, cfg.Kind, cfg.Bus, a.log)
	}
	return a
}

// Name returns the agent's name.
func (a *BaseAgent) Name() string { return a.name }

// Kind returns the agent's kind.
func (a *BaseAgent) Kind() string { return a.kind }

// ID returns the agent's generated id.
func (a *BaseAgent) ID() string { return a.id }

// Store exposes the shared memory store.
func (a *BaseAgent) Store() *memory.Store { return a.store }

// Logger returns the agent's child logger.
func (a *BaseAgent) Logger() *zerolog.Logger { return &a.log }

// State returns the current lifecycle state.
func (a *BaseAgent) State() State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

// transition moves the state machine, rejecting invalid edges.
func (a *BaseAgent) transition(to State) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	for _, allowed := range validTransitions[a.state] {
		if allowed == to {
			a.log.Debug().Str("from", string(a.state)).Str("to", string(to)).Msg("Lifecycle transition")
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s for agent %s", a.state, to, a.name)
}

// Start transitions the agent to active and launches the step loop
// driving the given stepper. The status_update memory is durable
// before Start returns.
func (a *BaseAgent) Start(ctx context.Context, stepper Stepper) error {
	if err := a.transition(StateStarting); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.bus != nil {
		sub, err := a.bus.SubscribeBroadcasts(bus.TopicControl, a.handleControl)
		if err != nil {
			a.log.Warn().Err(err).Msg("Control subscription failed, pause broadcasts will be missed")
		} else {
			a.controlSub = sub
		}
	}
	if a.heartbeat != nil {
		a.heartbeat.Start(runCtx, func() (State, Performance) {
			return a.State(), a.Performance()
		})
	}

	if err := a.recordStatus(ctx, StateActive); err != nil {
		cancel()
		_ = a.transition(StateError)
		return fmt.Errorf("failed to record startup status: %w", err)
	}
	if err := a.transition(StateActive); err != nil {
		cancel()
		return err
	}

	a.wg.Add(1)
	go a.run(runCtx, stepper)

	a.log.Info().Dur("step_interval", a.stepInterval).Msg("Agent started")
	return nil
}

// run is the cooperative step loop. Errors and panics from the stepper
// are contained here: they become error events and counters, never a
// dead process.
func (a *BaseAgent) run(ctx context.Context, stepper Stepper) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.stepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("Step loop stopped")
			return
		case <-ticker.C:
			if a.IsPaused() {
				a.log.Debug().Msg("Paused, skipping step")
				continue
			}
			a.step(ctx, stepper)
		}
	}
}

func (a *BaseAgent) step(ctx context.Context, stepper Stepper) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Msg("Step panicked")
			a.recordStepFailure(ctx, fmt.Errorf("panic: %v", r))
		}
	}()

	a.m.AgentSteps.WithLabelValues(a.name).Inc()
	if err := stepper.Step(ctx); err != nil {
		a.recordStepFailure(ctx, err)
	}
}

func (a *BaseAgent) recordStepFailure(ctx context.Context, err error) {
	a.perfMu.Lock()
	a.errorCount++
	a.perfMu.Unlock()

	a.m.AgentErrors.WithLabelValues(a.name).Inc()
	a.log.Error().Err(err).Msg("Step failed")

	if a.out != nil {
		a.out.Process(ctx, []*fanout.Event{{
			Class:    fanout.ClassError,
			Source:   a.name,
			Severity: fanout.SeverityHigh,
			Payload:  map[string]any{"message": err.Error()},
		}})
	}
}

// Stop transitions the agent to inactive. The step loop gets a grace
// window to exit; overrunning it leaves the agent in error state for
// the runtime agent to deal with.
func (a *BaseAgent) Stop(ctx context.Context) error {
	if err := a.transition(StateStopping); err != nil {
		return err
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.controlSub != nil {
		if err := a.controlSub.Unsubscribe(); err != nil {
			a.log.Warn().Err(err).Msg("Control unsubscribe failed")
		}
		a.controlSub = nil
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		a.log.Warn().Msg("Step loop overran shutdown grace")
		_ = a.transition(StateError)
		return fmt.Errorf("agent %s did not stop within %s", a.name, shutdownGrace)
	}

	if err := a.recordStatus(ctx, StateInactive); err != nil {
		a.log.Warn().Err(err).Msg("Failed to record shutdown status")
	}
	if err := a.transition(StateInactive); err != nil {
		return err
	}

	a.log.Info().Msg("Agent stopped")
	return nil
}

// Pause suspends stepping without tearing down the loop.
func (a *BaseAgent) Pause() error {
	if err := a.transition(StatePausing); err != nil {
		return err
	}
	a.stateMu.Lock()
	a.paused = true
	a.stateMu.Unlock()
	if err := a.transition(StatePaused); err != nil {
		return err
	}
	a.log.Info().Msg("Agent paused")
	return nil
}

// Resume reactivates a paused agent.
func (a *BaseAgent) Resume() error {
	a.stateMu.Lock()
	a.paused = false
	a.stateMu.Unlock()
	if err := a.transition(StateActive); err != nil {
		return err
	}
	a.log.Info().Msg("Agent resumed")
	return nil
}

// IsPaused reports whether stepping is suspended.
func (a *BaseAgent) IsPaused() bool {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.paused
}

// handleControl applies pause/resume broadcasts from the registry.
func (a *BaseAgent) handleControl(msg *bus.Message) error {
	var cmd struct {
		Command string `json:"command"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return fmt.Errorf("malformed control payload: %w", err)
	}

	switch cmd.Command {
	case "pause":
		if a.State() == StateActive {
			a.log.Info().Str("reason", cmd.Reason).Msg("Paused by control broadcast")
			return a.Pause()
		}
	case "resume":
		if a.State() == StatePaused {
			a.log.Info().Msg("Resumed by control broadcast")
			return a.Resume()
		}
	default:
		a.log.Debug().Str("command", cmd.Command).Msg("Unknown control command")
	}
	return nil
}

// StoreMemory writes a memory record in this agent's namespace.
func (a *BaseAgent) StoreMemory(ctx context.Context, text string, contentType memory.ContentType, meta map[string]any) (string, error) {
	if a.store == nil {
		return "", fmt.Errorf("agent %s has no memory store", a.name)
	}
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[memory.MetaContentType] = string(contentType)
	meta[memory.MetaSource] = a.name
	meta["agent_name"] = a.name
	meta["agent_kind"] = a.kind
	meta["agent_id"] = a.id

	rec, err := a.store.Store(ctx, text, meta)
	if err != nil {
		return "", fmt.Errorf("agent %s memory write failed: %w", a.name, err)
	}
	return rec.ID, nil
}

// RetrieveMemories queries the store filtered to this agent's kind,
// optionally narrowed by content type, scoring each hit with
// relevance = 1 - cosine distance.
func (a *BaseAgent) RetrieveMemories(ctx context.Context, query string, contentType memory.ContentType, k int) ([]ScoredRecord, error) {
	if a.store == nil {
		return nil, fmt.Errorf("agent %s has no memory store", a.name)
	}
	if k <= 0 {
		k = 10
	}

	// Over-fetch so the kind filter still leaves k candidates
	candidates, err := a.store.Query(ctx, query, k*3)
	if err != nil {
		return nil, fmt.Errorf("agent %s memory query failed: %w", a.name, err)
	}

	queryVec := a.store.Encode(query)
	var scored []ScoredRecord
	for _, rec := range candidates {
		if kind, _ := rec.Metadata["agent_kind"].(string); kind != a.kind {
			continue
		}
		if contentType != "" && rec.ContentType() != contentType {
			continue
		}
		sim := memory.CosineSimilarity(queryVec, rec.Vector)
		scored = append(scored, ScoredRecord{Record: rec, Relevance: sim})
		if len(scored) == k {
			break
		}
	}
	return scored, nil
}

// LearnFromOutcome updates the performance counters and records a
// learning_experience memory. The memory write is durable before the
// counters are visible.
func (a *BaseAgent) LearnFromOutcome(ctx context.Context, decision, outcome string, success bool, pnl float64) error {
	verdict := "failed"
	if success {
		verdict = "succeeded"
	}
	_, err := a.StoreMemory(ctx,
		fmt.Sprintf("Decision %q %s with outcome %q, pnl %.4f", decision, verdict, outcome, pnl),
		memory.ContentLearningExperience,
		map[string]any{
			memory.MetaImportance: 0.7,
			"decision":            decision,
			"outcome":             outcome,
			"success":             success,
			"pnl":                 pnl,
		},
	)
	if err != nil {
		return err
	}

	a.perfMu.Lock()
	a.decisionsMade++
	if success {
		a.successful++
	} else {
		a.failed++
	}
	a.cumulativePnL += pnl
	a.perfMu.Unlock()

	return nil
}

// SimilarExperiences returns past learning experiences resembling the
// situation.
func (a *BaseAgent) SimilarExperiences(ctx context.Context, situation string, k int) ([]ScoredRecord, error) {
	return a.RetrieveMemories(ctx, situation, memory.ContentLearningExperience, k)
}

// Performance returns a snapshot of the counters. Accuracy is defined
// only when at least one outcome was recorded.
func (a *BaseAgent) Performance() Performance {
	a.perfMu.Lock()
	defer a.perfMu.Unlock()

	p := Performance{
		DecisionsMade: a.decisionsMade,
		Successful:    a.successful,
		Failed:        a.failed,
		CumulativePnL: a.cumulativePnL,
		ErrorCount:    a.errorCount,
	}
	if total := a.successful + a.failed; total > 0 {
		p.Accuracy = float64(a.successful) / float64(total)
	}
	return p
}

// Emit pushes events through the output fan-out, stamping the source.
func (a *BaseAgent) Emit(ctx context.Context, events ...*fanout.Event) {
	if a.out == nil {
		return
	}
	for _, ev := range events {
		if ev.Source == "" {
			ev.Source = a.name
		}
	}
	a.out.Process(ctx, events)
}

// Retrieve asks the input router for relevant context.
func (a *BaseAgent) Retrieve(ctx context.Context, queryType string, qctx map[string]any) ([]*memory.Record, error) {
	if a.rtr == nil {
		return nil, nil
	}
	return a.rtr.Retrieve(ctx, a.name, queryType, qctx)
}

func (a *BaseAgent) recordStatus(ctx context.Context, to State) error {
	if a.store == nil {
		return nil
	}
	_, err := a.StoreMemory(ctx,
		fmt.Sprintf("Agent %s transitioned to %s", a.name, to),
		memory.ContentStatusUpdate,
		map[string]any{
			memory.MetaImportance: 0.3,
			"state":               string(to),
		},
	)
	return err
}
