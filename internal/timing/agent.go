package timing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/memory"
)

// Timing signals consumed by the coordinator.
const (
	SignalStrongBuy  = "strong_buy"
	SignalBuy        = "buy"
	SignalHold       = "hold"
	SignalSell       = "sell"
	SignalStrongSell = "strong_sell"
)

// Volatility windows.
const (
	VolatilityLow    = "low"
	VolatilityMedium = "medium"
	VolatilityHigh   = "high"
)

// Analysis is the timing agent's answer for one symbol.
type Analysis struct {
	Symbol           string        `json:"symbol"`
	Strategy         string        `json:"strategy"`
	Session          Session       `json:"session"`
	Signal           string        `json:"signal"`
	Confidence       float64       `json:"confidence"`
	VolatilityWindow string        `json:"volatility_window"`
	OptimalEntry     time.Time     `json:"optimal_entry"`
	OptimalExit      time.Time     `json:"optimal_exit"`
	ExpectedHold     time.Duration `json:"expected_hold"`
	RiskLevel        string        `json:"risk_level"`
	Reasoning        string        `json:"reasoning"`
	Timestamp        time.Time     `json:"timestamp"`
}

// accuracy tracks hit rate for one bucket. An empty bucket reads as
// the 0.5 prior so it contributes nothing to the adjustment terms.
type accuracy struct {
	total      int
	successful int
}

func (a *accuracy) rate() float64 {
	if a == nil || a.total == 0 {
		return 0.5
	}
	return float64(a.successful) / float64(a.total)
}

// expectedHolds by strategy kind.
var expectedHolds = map[string]time.Duration{
	"scalping":        15 * time.Minute,
	"breakout":        time.Hour,
	"momentum":        2 * time.Hour,
	"mean_reversion":  4 * time.Hour,
	"swing":           48 * time.Hour,
	"trend_following": 72 * time.Hour,
}

// Agent is the timing specialist.
type Agent struct {
	*agents.BaseAgent
	clock *Clock

	mu          sync.Mutex
	sessionAcc  map[Session]*accuracy
	strategyAcc map[string]*accuracy
	lastSession Session
}

// NewAgent creates a timing agent. Call Rehydrate before Start so
// historical accuracies inform the first cycle.
func NewAgent(base *agents.BaseAgent, clock *Clock) *Agent {
	return &Agent{
		BaseAgent:   base,
		clock:       clock,
		sessionAcc:  make(map[Session]*accuracy),
		strategyAcc: make(map[string]*accuracy),
		lastSession: Session(""),
	}
}

// Rehydrate rebuilds the accuracy buckets from timing_outcome
// memories.
func (a *Agent) Rehydrate(ctx context.Context) error {
	scored, err := a.RetrieveMemories(ctx, "timing outcome", memory.ContentTimingOutcome, 1000)
	if err != nil {
		return fmt.Errorf("rehydrate timing accuracies: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range scored {
		meta := s.Record.Metadata
		success, _ := meta["success"].(bool)
		if session, ok := meta["session"].(string); ok {
			a.bumpLocked(a.sessionBucket(Session(session)), success)
		}
		if strategy, ok := meta["strategy"].(string); ok {
			a.bumpLocked(a.strategyBucket(strategy), success)
		}
	}
	return nil
}

// Step watches for session transitions and memorizes them.
func (a *Agent) Step(ctx context.Context) error {
	session := a.clock.SessionAt(time.Now())

	a.mu.Lock()
	changed := session != a.lastSession
	a.lastSession = session
	a.mu.Unlock()

	if !changed {
		return nil
	}
	_, err := a.StoreMemory(ctx,
		fmt.Sprintf("Market session is now %s", session),
		memory.ContentTimingAnalysis,
		map[string]any{
			memory.MetaImportance: 0.4,
			"session":             string(session),
		},
	)
	return err
}

// Analyze produces a timing signal for one symbol and strategy.
func (a *Agent) Analyze(ctx context.Context, symbol, strategy string) (*Analysis, error) {
	now := time.Now()
	session := a.clock.SessionAt(now)

	confidence := baseConfidence(strategy, session)

	a.mu.Lock()
	sessionRate := a.sessionAcc[session].rate()
	strategyRate := a.strategyAcc[strategy].rate()
	a.mu.Unlock()

	similarRate := a.similarAccuracy(ctx, symbol, strategy)

	confidence += (sessionRate - 0.5) * 0.3
	confidence += (strategyRate - 0.5) * 0.3
	confidence += (similarRate - 0.5) * 0.2
	confidence = clamp(confidence, 0.1, 0.95)

	hold := expectedHolds[strategy]
	if hold == 0 {
		hold = 2 * time.Hour
	}

	entry := now
	if session == SessionClosed {
		entry = a.clock.NextRegularOpen(now)
	}

	analysis := &Analysis{
		Symbol:           symbol,
		Strategy:         strategy,
		Session:          session,
		Signal:           signalFor(session, confidence),
		Confidence:       confidence,
		VolatilityWindow: volatilityFor(session),
		OptimalEntry:     entry,
		OptimalExit:      entry.Add(hold),
		ExpectedHold:     hold,
		RiskLevel:        riskFor(session),
		Reasoning: fmt.Sprintf("%s session, %s accuracy %.2f, session accuracy %.2f, similar experiences %.2f",
			session, strategy, strategyRate, sessionRate, similarRate),
		Timestamp: now,
	}

	if _, err := a.StoreMemory(ctx,
		fmt.Sprintf("Timing for %s %s: %s at confidence %.2f in %s session",
			symbol, strategy, analysis.Signal, confidence, session),
		memory.ContentTimingAnalysis,
		map[string]any{
			memory.MetaImportance: 0.5,
			"symbol":              symbol,
			"strategy":            strategy,
			"session":             string(session),
			"signal":              analysis.Signal,
			"confidence":          confidence,
		},
	); err != nil {
		return nil, err
	}
	return analysis, nil
}

// RecordOutcome feeds a realized entry/exit back into the accuracy
// buckets and memorizes it for future rehydration.
func (a *Agent) RecordOutcome(ctx context.Context, symbol, strategy string, entry, exit time.Time, success bool, pnl float64) error {
	session := a.clock.SessionAt(entry)

	a.mu.Lock()
	a.bumpLocked(a.sessionBucket(session), success)
	a.bumpLocked(a.strategyBucket(strategy), success)
	a.mu.Unlock()

	_, err := a.StoreMemory(ctx,
		fmt.Sprintf("Timing outcome for %s %s: entered %s session, held %s, pnl %.4f",
			symbol, strategy, session, exit.Sub(entry).Round(time.Minute), pnl),
		memory.ContentTimingOutcome,
		map[string]any{
			memory.MetaImportance: 0.7,
			"symbol":              symbol,
			"strategy":            strategy,
			"session":             string(session),
			"success":             success,
			"pnl":                 pnl,
		},
	)
	if err != nil {
		return err
	}
	return a.LearnFromOutcome(ctx,
		fmt.Sprintf("timing %s %s in %s", symbol, strategy, session),
		fmt.Sprintf("pnl %.4f", pnl), success, pnl)
}

// similarAccuracy estimates the hit rate of past experiences close to
// this situation. The lookup goes through the input router so the
// shared cache and data-transfer accounting apply; without a router
// it falls back to a direct store query. No history reads as the
// 0.5 prior.
func (a *Agent) similarAccuracy(ctx context.Context, symbol, strategy string) float64 {
	recs, err := a.Retrieve(ctx, string(memory.ContentTimingOutcome), map[string]any{
		"symbol":   symbol,
		"strategy": strategy,
	})
	if err == nil {
		var total, wins int
		for _, rec := range recs {
			success, ok := rec.Metadata["success"].(bool)
			if !ok {
				continue
			}
			total++
			if success {
				wins++
			}
		}
		if total > 0 {
			return float64(wins) / float64(total)
		}
	}

	scored, err := a.SimilarExperiences(ctx, fmt.Sprintf("timing %s %s", symbol, strategy), 10)
	if err != nil || len(scored) == 0 {
		return 0.5
	}
	var successes int
	for _, s := range scored {
		if ok, _ := s.Record.Metadata["success"].(bool); ok {
			successes++
		}
	}
	return float64(successes) / float64(len(scored))
}

func (a *Agent) sessionBucket(s Session) *accuracy {
	b, ok := a.sessionAcc[s]
	if !ok {
		b = &accuracy{}
		a.sessionAcc[s] = b
	}
	return b
}

func (a *Agent) strategyBucket(name string) *accuracy {
	b, ok := a.strategyAcc[name]
	if !ok {
		b = &accuracy{}
		a.strategyAcc[name] = b
	}
	return b
}

func (a *Agent) bumpLocked(b *accuracy, success bool) {
	b.total++
	if success {
		b.successful++
	}
}

// baseConfidence is the prior for acting on a strategy in a session.
// Fast strategies want the liquid regular session; slower ones
// tolerate the edges.
func baseConfidence(strategy string, session Session) float64 {
	if session == SessionClosed {
		return 0.1
	}
	base := map[string]map[Session]float64{
		"momentum":        {SessionPreMarket: 0.55, SessionRegular: 0.70, SessionAfterHours: 0.45},
		"scalping":        {SessionPreMarket: 0.35, SessionRegular: 0.65, SessionAfterHours: 0.30},
		"breakout":        {SessionPreMarket: 0.60, SessionRegular: 0.65, SessionAfterHours: 0.40},
		"mean_reversion":  {SessionPreMarket: 0.45, SessionRegular: 0.60, SessionAfterHours: 0.45},
		"swing":           {SessionPreMarket: 0.50, SessionRegular: 0.60, SessionAfterHours: 0.50},
		"trend_following": {SessionPreMarket: 0.50, SessionRegular: 0.60, SessionAfterHours: 0.50},
	}
	if bySession, ok := base[strategy]; ok {
		if v, ok := bySession[session]; ok {
			return v
		}
	}
	return 0.5
}

func signalFor(session Session, confidence float64) string {
	if session == SessionClosed {
		return SignalHold
	}
	switch {
	case confidence >= 0.8:
		return SignalStrongBuy
	case confidence >= 0.6:
		return SignalBuy
	case confidence < 0.25:
		return SignalStrongSell
	case confidence < 0.4:
		return SignalSell
	default:
		return SignalHold
	}
}

func volatilityFor(session Session) string {
	switch session {
	case SessionPreMarket:
		return VolatilityHigh
	case SessionRegular:
		return VolatilityMedium
	case SessionAfterHours:
		return VolatilityMedium
	default:
		return VolatilityLow
	}
}

func riskFor(session Session) string {
	switch session {
	case SessionPreMarket, SessionAfterHours:
		return "high"
	case SessionRegular:
		return "medium"
	default:
		return "low"
	}
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
