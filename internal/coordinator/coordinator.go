// Package coordinator drives the per-symbol decision pipeline: it
// polls the specialized agents phase by phase, synthesizes their
// confidences into one weighted decision, shapes it by operating
// mode, and attributes realized outcomes back to the contributors.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/metrics"
	"github.com/pennyops/tradefabric/internal/rules"
	"github.com/pennyops/tradefabric/internal/strategy"
	"github.com/pennyops/tradefabric/internal/timing"
)

// Operating modes.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
	ModeAutonomous   Mode = "autonomous"
)

// modeParams pairs a mode with its consensus threshold and position
// risk cap.
type modeParams struct {
	consensusThreshold float64
	maxPositionRisk    float64
	maxPerCycle        int
}

var modeTable = map[Mode]modeParams{
	ModeConservative: {0.80, 0.03, 3},
	ModeBalanced:     {0.70, 0.05, 5},
	ModeAggressive:   {0.60, 0.07, 5},
	ModeAutonomous:   {0.50, 0.10, 5},
}

// Pipeline phases, advanced sequentially per symbol.
type Phase string

const (
	PhaseMarketAnalysis    Phase = "market_analysis"
	PhaseSignalGeneration  Phase = "signal_generation"
	PhaseRuleValidation    Phase = "rule_validation"
	PhaseTiming            Phase = "timing_optimization"
	PhaseExecutionPlanning Phase = "execution_planning"
	PhaseMonitoring        Phase = "monitoring"
)

// Confidence sources.
const (
	SourceMemory     = "memory"
	SourceTiming     = "timing"
	SourceStrategy   = "strategy"
	SourceRules      = "rules"
	SourceRuntime    = "runtime"
	SourceMarketData = "market_data"
	SourcePortfolio  = "portfolio"
	SourceSignals    = "signals"
)

// DefaultWeights sum to 1.0.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		SourceMemory:     0.10,
		SourceTiming:     0.20,
		SourceStrategy:   0.25,
		SourceRules:      0.20,
		SourceRuntime:    0.10,
		SourceMarketData: 0.05,
		SourcePortfolio:  0.05,
		SourceSignals:    0.05,
	}
}

const (
	defaultPhaseTimeout = 30 * time.Second
	decisionRetention   = 24 * time.Hour
)

// Actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Decision is one synthesized trading decision.
type Decision struct {
	Symbol       string             `json:"symbol"`
	Action       string             `json:"action"`
	Confidence   float64            `json:"confidence"`
	PositionSize float64            `json:"position_size"`
	Entry        float64            `json:"entry"`
	Stop         float64            `json:"stop"`
	Target       float64            `json:"target"`
	Contributors []string           `json:"contributors"`
	Confidences  map[string]float64 `json:"confidences"`
	Risk         float64            `json:"risk"`
	Reasoning    string             `json:"reasoning"`
	Timestamp    time.Time          `json:"timestamp"`

	// Attribution detail for record_outcome forwarding.
	Strategy string   `json:"strategy,omitempty"`
	RuleIDs  []string `json:"rule_ids,omitempty"`
}

// SignalSource is the strategy agent as the coordinator sees it.
type SignalSource interface {
	ConditionsFor(ctx context.Context, symbol string) (*strategy.MarketConditions, error)
	GenerateForSymbol(ctx context.Context, symbol string) ([]*strategy.Signal, error)
	RecordOutcome(ctx context.Context, symbol, kind string, success bool, pnl float64) error
}

// TimingSource is the timing agent as the coordinator sees it.
type TimingSource interface {
	Analyze(ctx context.Context, symbol, strategy string) (*timing.Analysis, error)
	RecordOutcome(ctx context.Context, symbol, strategy string, entry, exit time.Time, success bool, pnl float64) error
}

// RuleSource is the rule-set agent as the coordinator sees it.
type RuleSource interface {
	Evaluate(ctx context.Context, symbol string, marketData map[string]float64, kind string) ([]*rules.Evaluation, error)
	Rule(id string) (rules.Rule, bool)
	RecordRuleOutcome(ctx context.Context, ruleID string, success bool) error
}

// Config assembles a coordinator.
type Config struct {
	Mode         Mode
	Watchlist    []string
	Weights      map[string]float64 // nil means DefaultWeights
	PhaseTimeout time.Duration

	Strategy SignalSource
	Timing   TimingSource
	Rules    RuleSource
}

// Coordinator synthesizes per-symbol decisions from agent inputs.
type Coordinator struct {
	*agents.BaseAgent

	mode         Mode
	params       modeParams
	weights      map[string]float64
	phaseTimeout time.Duration

	strategySrc SignalSource
	timingSrc   TimingSource
	ruleSrc     RuleSource

	mu        sync.Mutex
	watchlist []string
	phase     Phase
	executed  map[string]*Decision // symbol -> last executed decision
}

// New validates the config and builds a coordinator.
func New(base *agents.BaseAgent, cfg Config) (*Coordinator, error) {
	params, ok := modeTable[cfg.Mode]
	if !ok {
		return nil, fmt.Errorf("unknown coordinator mode %q", cfg.Mode)
	}
	if cfg.Strategy == nil || cfg.Timing == nil || cfg.Rules == nil {
		return nil, fmt.Errorf("coordinator requires strategy, timing, and rules sources")
	}
	weights := cfg.Weights
	if weights == nil {
		weights = DefaultWeights()
	}
	weights, err := normalizeWeights(weights)
	if err != nil {
		return nil, err
	}
	timeout := cfg.PhaseTimeout
	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}
	return &Coordinator{
		BaseAgent:    base,
		mode:         cfg.Mode,
		params:       params,
		weights:      weights,
		phaseTimeout: timeout,
		strategySrc:  cfg.Strategy,
		timingSrc:    cfg.Timing,
		ruleSrc:      cfg.Rules,
		watchlist:    append([]string(nil), cfg.Watchlist...),
		phase:        PhaseMonitoring,
		executed:     make(map[string]*Decision),
	}, nil
}

// normalizeWeights rescales configured weights to sum to 1.
func normalizeWeights(w map[string]float64) (map[string]float64, error) {
	var sum float64
	for source, v := range w {
		if v < 0 {
			return nil, fmt.Errorf("negative weight for source %s", source)
		}
		sum += v
	}
	if sum == 0 {
		return nil, fmt.Errorf("agent weights sum to zero")
	}
	out := make(map[string]float64, len(w))
	for source, v := range w {
		out[source] = v / sum
	}
	return out, nil
}

// Mode returns the operating mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// Phase returns the last observed pipeline phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Watchlist returns a copy of the active watchlist.
func (c *Coordinator) Watchlist() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.watchlist...)
}

// SetWatchlist replaces the active watchlist.
func (c *Coordinator) SetWatchlist(symbols []string) {
	c.mu.Lock()
	c.watchlist = append([]string(nil), symbols...)
	c.mu.Unlock()
}

// runPhase executes one pipeline phase under the phase timeout with
// panic containment. A false return means the phase contributed
// nothing.
func (c *Coordinator) runPhase(ctx context.Context, symbol string, phase Phase, fn func(ctx context.Context) error) bool {
	c.setPhase(phase)
	phaseCtx, cancel := context.WithTimeout(ctx, c.phaseTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("phase panicked: %v", r)
			}
		}()
		done <- fn(phaseCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			metrics.Fabric().PhaseFailures.WithLabelValues(string(phase)).Inc()
			c.Logger().Warn().Err(err).Str("symbol", symbol).Str("phase", string(phase)).Msg("Phase failed, proceeding without contribution")
			return false
		}
		return true
	case <-phaseCtx.Done():
		cancel()
		metrics.Fabric().PhaseFailures.WithLabelValues(string(phase)).Inc()
		c.Logger().Warn().Str("symbol", symbol).Str("phase", string(phase)).Msg("Phase timed out, proceeding without contribution")
		return false
	}
}

// phaseInputs collects what the pipeline gathered for one symbol.
type phaseInputs struct {
	conditions *strategy.MarketConditions
	signal     *strategy.Signal
	timing     *timing.Analysis
	evals      []*rules.Evaluation
}

// CoordinateDecision drives one symbol through the pipeline. A nil
// decision with nil error means no consensus was reached.
func (c *Coordinator) CoordinateDecision(ctx context.Context, symbol string) (*Decision, error) {
	start := time.Now()
	defer func() {
		metrics.Fabric().DecisionDuration.Observe(time.Since(start).Seconds())
	}()

	var in phaseInputs

	c.runPhase(ctx, symbol, PhaseMarketAnalysis, func(ctx context.Context) error {
		conditions, err := c.strategySrc.ConditionsFor(ctx, symbol)
		if err != nil {
			return err
		}
		in.conditions = conditions
		return nil
	})

	c.runPhase(ctx, symbol, PhaseSignalGeneration, func(ctx context.Context) error {
		signals, err := c.strategySrc.GenerateForSymbol(ctx, symbol)
		if err != nil {
			return err
		}
		in.signal = bestSignal(signals)
		return nil
	})

	c.runPhase(ctx, symbol, PhaseTiming, func(ctx context.Context) error {
		strategyKind := ""
		if in.signal != nil {
			strategyKind = in.signal.Strategy
		}
		analysis, err := c.timingSrc.Analyze(ctx, symbol, strategyKind)
		if err != nil {
			return err
		}
		in.timing = analysis
		return nil
	})

	c.runPhase(ctx, symbol, PhaseRuleValidation, func(ctx context.Context) error {
		evals, err := c.ruleSrc.Evaluate(ctx, symbol, marketDataView(&in), "")
		if err != nil {
			return err
		}
		in.evals = evals
		return nil
	})

	c.setPhase(PhaseExecutionPlanning)
	decision, err := c.synthesize(ctx, symbol, &in)
	c.setPhase(PhaseMonitoring)
	return decision, err
}

// bestSignal picks the highest-confidence signal.
func bestSignal(signals []*strategy.Signal) *strategy.Signal {
	var best *strategy.Signal
	for _, s := range signals {
		if best == nil || s.Confidence > best.Confidence {
			best = s
		}
	}
	return best
}

// marketDataView builds the rule-evaluation input: the signal's
// indicators enriched with price, falling back to market conditions
// when no signal triggered.
func marketDataView(in *phaseInputs) map[string]float64 {
	view := make(map[string]float64)
	if in.signal != nil {
		for k, v := range in.signal.Indicators {
			view[k] = v
		}
		view["price"] = in.signal.Entry
	}
	if in.conditions != nil {
		if _, ok := view["volatility"]; !ok {
			view["volatility"] = in.conditions.Volatility
		}
		if _, ok := view["price_change"]; !ok {
			view["price_change"] = in.conditions.PriceChange
		}
		view["vix"] = in.conditions.VIX
	}
	return view
}

// synthesize applies the weighted decision rule.
func (c *Coordinator) synthesize(ctx context.Context, symbol string, in *phaseInputs) (*Decision, error) {
	confidences := make(map[string]float64)
	if in.signal != nil {
		confidences[SourceStrategy] = in.signal.Confidence
	}
	if in.timing != nil {
		confidences[SourceTiming] = in.timing.Confidence
	}
	if mean, ok := triggeredMean(in.evals); ok {
		confidences[SourceRules] = mean
	}
	if in.conditions != nil {
		confidences[SourceMarketData] = marketConfidence(in.conditions)
	}

	if len(confidences) == 0 {
		c.Logger().Debug().Str("symbol", symbol).Msg("No sources contributed, no decision")
		return nil, nil
	}

	var weighted, weightSum float64
	for source, conf := range confidences {
		w := c.weights[source]
		weighted += conf * w
		weightSum += w
	}
	if weightSum == 0 {
		return nil, nil
	}
	overall := weighted / weightSum
	metrics.Fabric().ConsensusScore.Observe(overall)

	if overall < c.params.consensusThreshold {
		if _, err := c.StoreMemory(ctx,
			fmt.Sprintf("No consensus for %s: overall %.3f below %s threshold %.2f",
				symbol, overall, c.mode, c.params.consensusThreshold),
			memory.ContentCoordinationDecision,
			map[string]any{
				memory.MetaImportance: 0.3,
				"symbol":              symbol,
				"overall":             overall,
				"mode":                string(c.mode),
			},
		); err != nil {
			c.Logger().Warn().Err(err).Msg("Failed to memorize consensus diagnostic")
		}
		return nil, nil
	}

	var reasons []string

	action := ActionHold
	if in.signal != nil {
		switch in.signal.Strength {
		case strategy.StrengthStrong, strategy.StrengthVeryStrong:
			action = ActionBuy
			reasons = append(reasons, fmt.Sprintf("%s %s signal", in.signal.Strength, in.signal.Strategy))
		case strategy.StrengthModerate:
			if overall > 0.8 {
				action = ActionBuy
				reasons = append(reasons, fmt.Sprintf("moderate %s signal with high consensus", in.signal.Strategy))
			}
		}
	}

	if action == ActionBuy && in.timing != nil {
		switch in.timing.Signal {
		case timing.SignalSell, timing.SignalStrongSell:
			action = ActionHold
			reasons = append(reasons, "timing conflict")
		case timing.SignalBuy, timing.SignalStrongBuy:
			overall = clamp(overall*1.10, 0, 1)
			reasons = append(reasons, "timing confirms entry")
		}
	}

	if action == ActionBuy && !entryRuleTriggered(c.ruleSrc, in.evals) {
		action = ActionHold
		reasons = append(reasons, "entry blocked by rules")
	}

	var entry, stop, target float64
	if in.signal != nil {
		entry, stop, target = in.signal.Entry, in.signal.Stop, in.signal.Target
	}
	size := 0.02 + overall*0.03
	if entry > 0 && stop > 0 {
		stopDistance := abs(entry-stop) / entry
		if stopDistance > 0 {
			scale := 0.02 / stopDistance
			if scale > 1 {
				scale = 1
			}
			size *= scale
		}
	}
	if size > c.params.maxPositionRisk {
		size = c.params.maxPositionRisk
	}

	var vol, vix float64
	if in.conditions != nil {
		vol, vix = in.conditions.Volatility, in.conditions.VIX
	}
	risk := min(0.4, 2*vol) + 0.3*(1-overall) + 5*size
	if vix > 25 {
		risk += 0.2
	}
	risk = clamp(risk, 0, 1)

	switch c.mode {
	case ModeConservative:
		if overall < 0.8 {
			action = ActionHold
			reasons = append(reasons, "conservative consensus floor")
		}
		size *= 0.7
		overall *= 0.9
	case ModeAggressive:
		if action == ActionHold && overall > 0.6 {
			action = ActionBuy
			reasons = append(reasons, "aggressive promotion")
		}
		size *= 1.3
		overall *= 1.05
	case ModeAutonomous:
		if risk > 0.7 {
			size *= 0.8
		}
	}
	overall = clamp(overall, 0, 1)
	if size > c.params.maxPositionRisk {
		size = c.params.maxPositionRisk
	}

	contributors := make([]string, 0, len(confidences))
	for source := range confidences {
		contributors = append(contributors, source)
	}
	sort.Strings(contributors)

	decision := &Decision{
		Symbol:       symbol,
		Action:       action,
		Confidence:   overall,
		PositionSize: size,
		Entry:        entry,
		Stop:         stop,
		Target:       target,
		Contributors: contributors,
		Confidences:  confidences,
		Risk:         risk,
		Reasoning:    strings.Join(reasons, "; "),
		Timestamp:    time.Now().UTC(),
		RuleIDs:      triggeredRuleIDs(in.evals),
	}
	if in.signal != nil {
		decision.Strategy = in.signal.Strategy
	}
	metrics.Fabric().DecisionsTotal.Inc()

	if _, err := c.StoreMemory(ctx,
		fmt.Sprintf("Decision for %s: %s at confidence %.3f, size %.4f, risk %.3f (%s)",
			symbol, action, overall, size, risk, decision.Reasoning),
		memory.ContentCoordinationDecision,
		map[string]any{
			memory.MetaImportance: 0.7,
			"symbol":              symbol,
			"action":              action,
			"confidence":          overall,
			"risk":                risk,
			"mode":                string(c.mode),
			"phase":               string(PhaseExecutionPlanning),
			"contributors":        strings.Join(contributors, ","),
			"confidences":         confidences,
			"weights":             c.weights,
		},
	); err != nil {
		c.Logger().Warn().Err(err).Str("symbol", symbol).Msg("Failed to memorize decision")
	}
	return decision, nil
}

// triggeredMean averages the confidence of triggered evaluations.
func triggeredMean(evals []*rules.Evaluation) (float64, bool) {
	var sum float64
	var n int
	for _, e := range evals {
		if e.Triggered {
			sum += e.Confidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// entryRuleTriggered reports whether any triggered evaluation belongs
// to an entry-class rule.
func entryRuleTriggered(src RuleSource, evals []*rules.Evaluation) bool {
	for _, e := range evals {
		if !e.Triggered {
			continue
		}
		if r, ok := src.Rule(e.RuleID); ok && r.Kind == rules.KindEntry {
			return true
		}
	}
	return false
}

func triggeredRuleIDs(evals []*rules.Evaluation) []string {
	var ids []string
	for _, e := range evals {
		if e.Triggered {
			ids = append(ids, e.RuleID)
		}
	}
	return ids
}

// marketConfidence derives a confidence from market conditions.
func marketConfidence(mc *strategy.MarketConditions) float64 {
	conf := 0.5
	if mc.Volatility >= 0.15 && mc.Volatility <= 0.25 {
		conf += 0.2
	}
	if mc.Volatility > 0.35 {
		conf -= 0.3
	}
	switch mc.Trend {
	case strategy.TrendBullish:
		conf += 0.2
	case strategy.TrendBearish:
		conf -= 0.1
	}
	if mc.VIX < 20 {
		conf += 0.1
	}
	if mc.VIX > 30 {
		conf -= 0.2
	}
	return clamp(conf, 0.1, 0.9)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
