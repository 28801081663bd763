package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/fanout"
	"github.com/pennyops/tradefabric/internal/ledger"
	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/scraper"
)

// defaultVIX stands in until a volatility feed reports a live value.
const defaultVIX = 20.0

// SnapshotProvider serves enriched snapshots on demand.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, symbol string) (*scraper.Snapshot, error)
}

// PerfWriter persists per-strategy performance rows. May be nil.
type PerfWriter interface {
	UpsertStrategyPerformance(ctx context.Context, perf *ledger.StrategyPerformance) error
}

// Agent is the strategy specialist.
type Agent struct {
	*agents.BaseAgent
	snapshots SnapshotProvider
	perf      PerfWriter
	watchlist []string
	maxRisk   float64

	mu    sync.Mutex
	stats map[string]*Stats
	vix   float64
}

// NewAgent creates a strategy agent. maxRisk caps position size as a
// portfolio fraction.
func NewAgent(base *agents.BaseAgent, snapshots SnapshotProvider, perf PerfWriter, watchlist []string, maxRisk float64) *Agent {
	if maxRisk <= 0 {
		maxRisk = 0.05
	}
	return &Agent{
		BaseAgent: base,
		snapshots: snapshots,
		perf:      perf,
		watchlist: watchlist,
		maxRisk:   maxRisk,
		stats:     make(map[string]*Stats),
		vix:       defaultVIX,
	}
}

// SetVIX updates the volatility index used in market conditions.
func (a *Agent) SetVIX(v float64) {
	a.mu.Lock()
	a.vix = v
	a.mu.Unlock()
}

// Step scans the watchlist and emits any generated signals.
func (a *Agent) Step(ctx context.Context) error {
	var firstErr error
	for _, symbol := range a.watchlist {
		signals, err := a.GenerateForSymbol(ctx, symbol)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, sig := range signals {
			a.Emit(ctx, signalEvent(sig))
		}
	}
	return firstErr
}

// GenerateForSymbol fetches a snapshot and runs every strategy.
func (a *Agent) GenerateForSymbol(ctx context.Context, symbol string) ([]*Signal, error) {
	snap, err := a.snapshots.Snapshot(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("snapshot for %s: %w", symbol, err)
	}
	return a.Generate(ctx, snap)
}

// Generate evaluates every strategy against one snapshot and returns
// the signals that triggered.
func (a *Agent) Generate(ctx context.Context, snap *scraper.Snapshot) ([]*Signal, error) {
	conditions := a.Conditions(snap)
	recalled := a.recalledWinRates(ctx, snap.Symbol, conditions.Regime)

	var signals []*Signal
	for _, kind := range Kinds {
		result := evaluate(kind, snap)
		if !result.triggered {
			continue
		}

		a.mu.Lock()
		st := a.stats[kind]
		winRate := st.WinRate()
		cold := st == nil || st.Total == 0
		a.mu.Unlock()
		if cold {
			if rate, ok := recalled[kind]; ok {
				winRate = rate
			}
		}

		confidence := result.confidence
		confidence += regimeAdjust(kind, conditions.Regime)
		confidence += (winRate - 0.5) * 0.6
		confidence = clamp(confidence, 0.1, 0.95)

		stopFrac := stopFractions[kind]
		entry := snap.Price
		stop := entry * (1 - stopFrac)
		target := entry * (1 + 2*stopFrac)

		sig := &Signal{
			Symbol:           snap.Symbol,
			Strategy:         kind,
			Strength:         strengthFor(confidence),
			Confidence:       confidence,
			Entry:            entry,
			Stop:             stop,
			Target:           target,
			RiskLevel:        riskLevelFor(conditions.Regime),
			PositionSize:     a.positionSize(confidence, entry, stop),
			Reasoning:        fmt.Sprintf("%s in %s regime: %s (win rate %.2f)", kind, conditions.Regime, result.reasoning, winRate),
			Indicators:       snap.Indicators,
			ExpectedDuration: expectedDurations[kind],
			Timestamp:        time.Now(),
		}
		signals = append(signals, sig)

		if _, err := a.StoreMemory(ctx,
			fmt.Sprintf("%s signal for %s: %s at confidence %.2f, entry %.4f stop %.4f target %.4f",
				kind, snap.Symbol, sig.Strength, confidence, entry, stop, target),
			memory.ContentTradingSignal,
			map[string]any{
				memory.MetaImportance: 0.6 + confidence*0.2,
				"symbol":              snap.Symbol,
				"strategy":            kind,
				"strength":            string(sig.Strength),
				"confidence":          confidence,
			},
		); err != nil {
			return signals, err
		}
	}
	return signals, nil
}

// recalledWinRates pulls past performance memories for the symbol and
// regime through the input router. They seed a strategy's win rate
// before any outcome has been recorded in-process; agents without a
// router fall back to the 0.5 prior.
func (a *Agent) recalledWinRates(ctx context.Context, symbol, regime string) map[string]float64 {
	recs, err := a.Retrieve(ctx, string(memory.ContentStrategyPerformance), map[string]any{
		"symbol":        symbol,
		"market_regime": regime,
	})
	if err != nil || len(recs) == 0 {
		return nil
	}
	rates := make(map[string]float64)
	for _, rec := range recs {
		kind, _ := rec.Metadata["strategy"].(string)
		rate, ok := rec.Metadata["win_rate"].(float64)
		if kind == "" || !ok {
			continue
		}
		// Records arrive ranked; keep the best-ranked rate per strategy.
		if _, seen := rates[kind]; !seen {
			rates[kind] = rate
		}
	}
	return rates
}

// ConditionsFor fetches a fresh snapshot and derives market
// conditions for one symbol.
func (a *Agent) ConditionsFor(ctx context.Context, symbol string) (*MarketConditions, error) {
	snap, err := a.snapshots.Snapshot(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("snapshot for %s: %w", symbol, err)
	}
	return a.Conditions(snap), nil
}

// Conditions derives market conditions from a snapshot.
func (a *Agent) Conditions(snap *scraper.Snapshot) *MarketConditions {
	ind := snap.Indicators

	a.mu.Lock()
	vix := a.vix
	a.mu.Unlock()

	trend := TrendNeutral
	switch {
	case crossedUp(ind) && ind["price_change"] > 0:
		trend = TrendBullish
	case ind["ema_fast"] > 0 && ind["ema_slow"] > 0 && ind["ema_fast"] < ind["ema_slow"] && ind["price_change"] < 0:
		trend = TrendBearish
	}

	regime := RegimeNormal
	vol := ind["volatility"]
	switch {
	case vol > 0.035:
		regime = RegimeHighVolatility
	case vol > 0 && vol < 0.008 && trend == TrendNeutral:
		regime = RegimeConsolidation
	case trend != TrendNeutral:
		regime = RegimeTrending
	}

	return &MarketConditions{
		Symbol:      snap.Symbol,
		PriceChange: ind["price_change"],
		Volatility:  vol,
		Trend:       trend,
		Volume:      snap.Volume,
		VIX:         vix,
		Regime:      regime,
	}
}

// RecordOutcome folds a realized trade back into the strategy's
// stats, memorizes it, and persists the performance row.
func (a *Agent) RecordOutcome(ctx context.Context, symbol, kind string, success bool, pnl float64) error {
	a.mu.Lock()
	st, ok := a.stats[kind]
	if !ok {
		st = &Stats{}
		a.stats[kind] = st
	}
	st.Total++
	if success {
		st.Wins++
		st.GrossProfit += pnl
	} else {
		st.GrossLoss += -pnl
	}
	snapshot := *st
	a.mu.Unlock()

	if _, err := a.StoreMemory(ctx,
		fmt.Sprintf("%s on %s %s with pnl %.4f; win rate now %.2f over %d trades",
			kind, symbol, outcomeWord(success), pnl, snapshot.WinRate(), snapshot.Total),
		memory.ContentStrategyPerformance,
		map[string]any{
			memory.MetaImportance: 0.7,
			"symbol":              symbol,
			"strategy":            kind,
			"success":             success,
			"pnl":                 pnl,
			"win_rate":            snapshot.WinRate(),
		},
	); err != nil {
		return err
	}

	if a.perf != nil {
		row := &ledger.StrategyPerformance{
			StrategyName: kind,
			TotalTrades:  snapshot.Total,
			WinCount:     snapshot.Wins,
			TotalPnL:     snapshot.GrossProfit - snapshot.GrossLoss,
		}
		if err := a.perf.UpsertStrategyPerformance(ctx, row); err != nil {
			return err
		}
	}

	return a.LearnFromOutcome(ctx,
		fmt.Sprintf("%s signal on %s", kind, symbol),
		fmt.Sprintf("pnl %.4f", pnl), success, pnl)
}

// StatsFor returns a copy of one strategy's stats.
func (a *Agent) StatsFor(kind string) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.stats[kind]; ok {
		return *st
	}
	return Stats{}
}

// positionSize applies the base-plus-confidence sizing rule, scaled
// down for wide stops and capped at the portfolio risk limit.
func (a *Agent) positionSize(confidence, entry, stop float64) float64 {
	size := 0.02 + confidence*0.03
	if entry > 0 && stop > 0 {
		stopDistance := (entry - stop) / entry
		if stopDistance > 0 {
			scale := 0.02 / stopDistance
			if scale > 1 {
				scale = 1
			}
			size *= scale
		}
	}
	if size > a.maxRisk {
		size = a.maxRisk
	}
	return size
}

func signalEvent(sig *Signal) *fanout.Event {
	return &fanout.Event{
		Class:      fanout.ClassSignal,
		Symbol:     sig.Symbol,
		Confidence: sig.Confidence,
		Price:      sig.Entry,
		Payload: map[string]any{
			"signal_type": sig.Strategy,
			"strength":    string(sig.Strength),
			"stop":        sig.Stop,
			"target":      sig.Target,
			"timeframe":   "5m",
		},
		Timestamp: sig.Timestamp,
	}
}

func strengthFor(confidence float64) Strength {
	switch {
	case confidence >= 0.85:
		return StrengthVeryStrong
	case confidence >= 0.7:
		return StrengthStrong
	case confidence >= 0.5:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

func riskLevelFor(regime string) string {
	switch regime {
	case RegimeHighVolatility:
		return "high"
	case RegimeConsolidation:
		return "low"
	default:
		return "medium"
	}
}

func outcomeWord(success bool) string {
	if success {
		return "won"
	}
	return "lost"
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
