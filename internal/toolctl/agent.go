package toolctl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/memory"
)

// Recommendation scoring weights and the maintenance threshold.
const (
	reliabilityWeight  = 0.7
	performanceWeight  = 0.3
	maintenanceRate    = 0.7
	maintenanceMinRuns = 10
	defaultExecTimeout = 30 * time.Second
)

// Handler executes one tool invocation. It must honor ctx.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// tool pairs a spec with its handler and runtime stats.
type tool struct {
	spec    Spec
	handler Handler

	runs          int
	successes     int
	totalDuration time.Duration
	maintenance   bool
}

func (t *tool) successRate() float64 {
	if t.runs == 0 {
		return 1.0 // unproven tools rank by priority alone
	}
	return float64(t.successes) / float64(t.runs)
}

func (t *tool) avgDuration() time.Duration {
	if t.runs == 0 {
		return 0
	}
	return t.totalDuration / time.Duration(t.runs)
}

// score ranks a tool for recommendation: reliability dominates,
// efficiency rewards sub-10s average runs.
func (t *tool) score() float64 {
	efficiency := 1.0
	if avg := t.avgDuration().Seconds(); avg > 0 {
		efficiency = 10 / avg
		if efficiency > 1 {
			efficiency = 1
		}
	}
	return t.successRate()*reliabilityWeight + efficiency*performanceWeight
}

// Agent is the tool-control specialist.
type Agent struct {
	*agents.BaseAgent

	mu    sync.Mutex
	tools map[string]*tool
	order []string
}

// NewAgent creates an empty tool registry.
func NewAgent(base *agents.BaseAgent) *Agent {
	return &Agent{
		BaseAgent: base,
		tools:     make(map[string]*tool),
	}
}

// Register binds a spec to its handler. Names are unique.
func (a *Agent) Register(spec Spec, handler Handler) error {
	if err := validateSpec(&spec); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("tool %s registered without handler", spec.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.tools[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	a.tools[spec.Name] = &tool{spec: spec, handler: handler}
	a.order = append(a.order, spec.Name)
	return nil
}

// Initialize verifies every declared dependency resolves to a
// registered tool.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, name := range a.order {
		for _, dep := range a.tools[name].spec.Depends {
			if _, ok := a.tools[dep]; !ok {
				return fmt.Errorf("tool %s depends on unregistered tool %s", name, dep)
			}
		}
	}
	return nil
}

// Execute runs a tool under a timeout, recording the outcome in its
// stats. Cancellation of ctx propagates as a timeout.
func (a *Agent) Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) (any, error) {
	a.mu.Lock()
	t, ok := a.tools[name]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %s", name)
	}
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := t.handler(execCtx, params)
	elapsed := time.Since(start)

	a.mu.Lock()
	t.runs++
	t.totalDuration += elapsed
	if err == nil {
		t.successes++
	}
	flagged := !t.maintenance && t.runs >= maintenanceMinRuns && t.successRate() < maintenanceRate
	if flagged {
		t.maintenance = true
	}
	rate := t.successRate()
	runs := t.runs
	a.mu.Unlock()

	if flagged {
		if _, memErr := a.StoreMemory(ctx,
			fmt.Sprintf("Tool %s flagged for maintenance: success rate %.2f over %d runs", name, rate, runs),
			memory.ContentErrorPattern,
			map[string]any{
				memory.MetaImportance: 0.8,
				"tool":                name,
				"success_rate":        rate,
			},
		); memErr != nil {
			a.Logger().Warn().Err(memErr).Str("tool", name).Msg("Failed to memorize maintenance flag")
		}
	}

	if err != nil {
		return nil, fmt.Errorf("tool %s execution failed: %w", name, err)
	}
	return result, nil
}

// Recommend ranks matching tools by score, best first. Empty category
// matches everything.
func (a *Agent) Recommend(category string, minPriority int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	type ranked struct {
		name  string
		score float64
	}
	var candidates []ranked
	for _, name := range a.order {
		t := a.tools[name]
		if category != "" && t.spec.Category != category {
			continue
		}
		if t.spec.Priority < minPriority {
			continue
		}
		candidates = append(candidates, ranked{name: name, score: t.score()})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

// NeedsMaintenance lists tools flagged for maintenance.
func (a *Agent) NeedsMaintenance() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, name := range a.order {
		if a.tools[name].maintenance {
			out = append(out, name)
		}
	}
	return out
}

// Step memorizes the registry health so drift shows up in the health
// view.
func (a *Agent) Step(ctx context.Context) error {
	flagged := a.NeedsMaintenance()
	a.mu.Lock()
	total := len(a.tools)
	a.mu.Unlock()

	_, err := a.StoreMemory(ctx,
		fmt.Sprintf("Tool registry: %d tools, %d flagged for maintenance", total, len(flagged)),
		memory.ContentStatusUpdate,
		map[string]any{
			memory.MetaImportance: 0.2,
			"total":               total,
			"flagged":             len(flagged),
		},
	)
	return err
}
