package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/metrics"
)

// cycleConcurrency bounds the number of symbols pipelined at once.
const cycleConcurrency = 4

// ExecuteCycle runs the pipeline over the active watchlist, ranks the
// actionable decisions, and records the top slice for execution.
// Single-symbol failures never abort the cycle.
func (c *Coordinator) ExecuteCycle(ctx context.Context) ([]*Decision, error) {
	watchlist := c.Watchlist()

	var mu sync.Mutex
	var actionable []*Decision

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cycleConcurrency)
	for _, symbol := range watchlist {
		symbol := symbol
		g.Go(func() error {
			decision, err := c.CoordinateDecision(gctx, symbol)
			if err != nil {
				c.Logger().Warn().Err(err).Str("symbol", symbol).Msg("Decision pipeline failed for symbol")
				return nil
			}
			if decision != nil && decision.Action != ActionHold {
				mu.Lock()
				actionable = append(actionable, decision)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(actionable, func(i, j int) bool {
		return actionable[i].Confidence-actionable[i].Risk > actionable[j].Confidence-actionable[j].Risk
	})
	if len(actionable) > c.params.maxPerCycle {
		actionable = actionable[:c.params.maxPerCycle]
	}

	c.mu.Lock()
	cutoff := time.Now().Add(-decisionRetention)
	for symbol, d := range c.executed {
		if d.Timestamp.Before(cutoff) {
			delete(c.executed, symbol)
		}
	}
	for _, d := range actionable {
		c.executed[d.Symbol] = d
	}
	c.mu.Unlock()

	for range actionable {
		metrics.Fabric().DecisionsExecuted.Inc()
	}
	c.Logger().Info().
		Int("watchlist", len(watchlist)).
		Int("executed", len(actionable)).
		Msg("Coordination cycle complete")
	return actionable, nil
}

// ExecutedDecision returns the recorded decision for a symbol, if any.
func (c *Coordinator) ExecutedDecision(symbol string) (*Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.executed[symbol]
	if !ok {
		return nil, false
	}
	copied := *d
	return &copied, true
}

// RecordOutcome attributes a realized outcome back to every agent
// that contributed to the decision. Unknown symbols are a no-op.
func (c *Coordinator) RecordOutcome(ctx context.Context, symbol string, success bool, pnl float64) error {
	c.mu.Lock()
	decision, ok := c.executed[symbol]
	if ok {
		delete(c.executed, symbol)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	outcome := "loss"
	if success {
		outcome = "win"
	}
	if err := c.LearnFromOutcome(ctx,
		fmt.Sprintf("%s %s at confidence %.3f", decision.Action, symbol, decision.Confidence),
		outcome, success, pnl,
	); err != nil {
		c.Logger().Warn().Err(err).Str("symbol", symbol).Msg("Failed to learn from outcome")
	}

	for _, source := range decision.Contributors {
		switch source {
		case SourceStrategy:
			if decision.Strategy == "" {
				continue
			}
			if err := c.strategySrc.RecordOutcome(ctx, symbol, decision.Strategy, success, pnl); err != nil {
				c.Logger().Warn().Err(err).Str("symbol", symbol).Msg("Strategy outcome attribution failed")
			}
		case SourceTiming:
			if err := c.timingSrc.RecordOutcome(ctx, symbol, decision.Strategy, decision.Timestamp, time.Now().UTC(), success, pnl); err != nil {
				c.Logger().Warn().Err(err).Str("symbol", symbol).Msg("Timing outcome attribution failed")
			}
		case SourceRules:
			for _, ruleID := range decision.RuleIDs {
				if err := c.ruleSrc.RecordRuleOutcome(ctx, ruleID, success); err != nil {
					c.Logger().Warn().Err(err).Str("rule", ruleID).Msg("Rule outcome attribution failed")
				}
			}
		}
	}

	if _, err := c.StoreMemory(ctx,
		fmt.Sprintf("Outcome for %s %s: %s with pnl %.2f (confidence was %.3f, risk %.3f)",
			decision.Action, symbol, outcome, pnl, decision.Confidence, decision.Risk),
		memory.ContentCoordinationOutcome,
		map[string]any{
			memory.MetaImportance: 0.8,
			"symbol":              symbol,
			"success":             success,
			"pnl":                 pnl,
			"confidence":          decision.Confidence,
			"risk":                decision.Risk,
			"contributors":        strings.Join(decision.Contributors, ","),
		},
	); err != nil {
		return fmt.Errorf("memorize coordination outcome: %w", err)
	}
	return nil
}

// Step runs one coordination cycle; the coordinator's process loop is
// the cycle itself.
func (c *Coordinator) Step(ctx context.Context) error {
	_, err := c.ExecuteCycle(ctx)
	return err
}
