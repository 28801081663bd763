package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/memory"
)

// Disablement thresholds: sustained poor accuracy retires a rule.
const (
	disableMinOutcomes = 20
	disableAccuracy    = 0.3
)

// Agent owns the rule set.
type Agent struct {
	*agents.BaseAgent

	mu        sync.Mutex
	rules     map[string]*Rule
	order     []string // stable evaluation order
	prev      map[string]float64
	patterns  []*pattern
	adaptSeq  int
}

// NewAgent creates a rules agent seeded with the default rule set.
func NewAgent(base *agents.BaseAgent) *Agent {
	a := &Agent{
		BaseAgent: base,
		rules:     make(map[string]*Rule),
		prev:      make(map[string]float64),
	}
	for _, r := range DefaultRules() {
		a.rules[r.ID] = r
		a.order = append(a.order, r.ID)
	}
	return a
}

// AddRule registers a rule. Duplicate ids are rejected.
func (a *Agent) AddRule(r *Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.rules[r.ID]; exists {
		return fmt.Errorf("rule %s already registered", r.ID)
	}
	a.rules[r.ID] = r
	a.order = append(a.order, r.ID)
	return nil
}

// Rule returns a copy of one rule.
func (a *Agent) Rule(id string) (Rule, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.rules[id]; ok {
		return *r, true
	}
	return Rule{}, false
}

// Rules returns copies of all rules in evaluation order.
func (a *Agent) Rules() []Rule {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Rule, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.rules[id])
	}
	return out
}

// Evaluate applies every enabled rule of the given kind (all kinds
// when kind is empty) against the market data.
func (a *Agent) Evaluate(ctx context.Context, symbol string, marketData map[string]float64, kind string) ([]*Evaluation, error) {
	now := time.Now()

	a.mu.Lock()
	var evals []*Evaluation
	for _, id := range a.order {
		r := a.rules[id]
		if !r.Enabled || (kind != "" && r.Kind != kind) {
			continue
		}
		value, ok := marketData[r.Condition]
		if !ok {
			continue
		}

		prevKey := r.ID + "|" + symbol
		prev, hasPrev := a.prev[prevKey]
		a.prev[prevKey] = value

		met := r.apply(value, prev, hasPrev)
		r.Evaluations++

		triggered := met && now.Sub(r.LastTriggered) >= debounceWindow
		if triggered {
			r.Triggers++
			r.LastTriggered = now
		}

		confidence := 0.5 + (r.Accuracy()-0.5)*0.4
		if marketData["volume_ratio"] > 1.5 {
			confidence += 0.05
		}
		if v := marketData["volatility"]; v >= 0.01 && v <= 0.03 {
			confidence += 0.05
		}
		confidence += float64(r.Priority) / 5 * 0.1
		confidence = clamp(confidence, 0.1, 0.95)

		evals = append(evals, &Evaluation{
			RuleID:       r.ID,
			Symbol:       symbol,
			Triggered:    triggered,
			Value:        value,
			Threshold:    r.Threshold,
			ConditionMet: met,
			Confidence:   confidence,
			Reasoning:    r.describe(value, met),
			Timestamp:    now,
		})
	}
	a.mu.Unlock()

	for _, ev := range evals {
		if !ev.Triggered {
			continue
		}
		if _, err := a.StoreMemory(ctx,
			fmt.Sprintf("Rule %s triggered on %s: %s", ev.RuleID, symbol, ev.Reasoning),
			memory.ContentRuleEvaluation,
			map[string]any{
				memory.MetaImportance: 0.5,
				"rule_id":             ev.RuleID,
				"symbol":              symbol,
				"confidence":          ev.Confidence,
			},
		); err != nil {
			return evals, err
		}
	}
	return evals, nil
}

// RecordRuleOutcome attributes a realized outcome to a rule.
// Sustained poor accuracy disables the rule: once twenty outcomes
// have been recorded, accuracy below 0.3 switches it off. The
// threshold counts recorded outcomes, not evaluation invocations;
// accuracy is only defined over outcomes.
func (a *Agent) RecordRuleOutcome(ctx context.Context, ruleID string, success bool) error {
	a.mu.Lock()
	r, ok := a.rules[ruleID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("unknown rule %s", ruleID)
	}
	r.Outcomes++
	if success {
		r.Successes++
	}
	disable := r.Enabled && r.Outcomes >= disableMinOutcomes && r.Accuracy() < disableAccuracy
	if disable {
		r.Enabled = false
	}
	accuracy := r.Accuracy()
	name := r.Name
	a.mu.Unlock()

	if _, err := a.StoreMemory(ctx,
		fmt.Sprintf("Rule %s outcome %s, accuracy %.2f", ruleID, outcomeWord(success), accuracy),
		memory.ContentRulePerformance,
		map[string]any{
			memory.MetaImportance: 0.5,
			"rule_id":             ruleID,
			"success":             success,
			"accuracy":            accuracy,
		},
	); err != nil {
		return err
	}

	if disable {
		_, err := a.StoreMemory(ctx,
			fmt.Sprintf("Rule %s (%s) disabled after %d outcomes at accuracy %.2f",
				ruleID, name, disableMinOutcomes, accuracy),
			memory.ContentRulePerformance,
			map[string]any{
				memory.MetaImportance: 0.8,
				"rule_id":             ruleID,
				"disabled":            true,
				"accuracy":            accuracy,
			},
		)
		return err
	}
	return nil
}

// ObservePattern feeds one (features, outcome) pair to the adaptive
// learner. When enough evidence accumulates, a new rule is
// synthesized, registered, and persisted as an adaptive_rule memory.
func (a *Agent) ObservePattern(ctx context.Context, features map[string]any, success bool) (*Rule, error) {
	a.mu.Lock()
	a.patterns = append(a.patterns, &pattern{features: features, success: success})
	rule := synthesizeRule(a.patterns, a.adaptSeq)
	if rule != nil {
		a.adaptSeq++
		a.patterns = nil
		a.rules[rule.ID] = rule
		a.order = append(a.order, rule.ID)
	}
	a.mu.Unlock()

	if rule == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(rule)
	if err != nil {
		return rule, fmt.Errorf("encode adaptive rule: %w", err)
	}
	if _, err := a.StoreMemory(ctx,
		fmt.Sprintf("Learned rule %s: %s %s %.4f", rule.ID, rule.Condition, rule.Operator, rule.Threshold),
		memory.ContentAdaptiveRule,
		map[string]any{
			memory.MetaImportance: 0.8,
			"rule_id":             rule.ID,
			"rule_json":           string(encoded),
		},
	); err != nil {
		return rule, err
	}
	return rule, nil
}

// Rehydrate re-registers adaptive rules from memory. Counters restart
// from the persisted snapshot.
func (a *Agent) Rehydrate(ctx context.Context) error {
	scored, err := a.RetrieveMemories(ctx, "learned adaptive rule", memory.ContentAdaptiveRule, 500)
	if err != nil {
		return fmt.Errorf("rehydrate adaptive rules: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range scored {
		raw, ok := s.Record.Metadata["rule_json"].(string)
		if !ok {
			continue
		}
		var rule Rule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			continue
		}
		if _, exists := a.rules[rule.ID]; exists {
			continue
		}
		a.rules[rule.ID] = &rule
		a.order = append(a.order, rule.ID)
		if rule.Adaptive {
			a.adaptSeq++
		}
	}
	return nil
}

// Step is a light health pass: it memorizes the rule-set shape so the
// registry's health view reflects drift over time.
func (a *Agent) Step(ctx context.Context) error {
	a.mu.Lock()
	total := len(a.rules)
	var enabled, adaptive int
	for _, r := range a.rules {
		if r.Enabled {
			enabled++
		}
		if r.Adaptive {
			adaptive++
		}
	}
	a.mu.Unlock()

	_, err := a.StoreMemory(ctx,
		fmt.Sprintf("Rule set: %d rules, %d enabled, %d adaptive", total, enabled, adaptive),
		memory.ContentStatusUpdate,
		map[string]any{
			memory.MetaImportance: 0.2,
			"total":               total,
			"enabled":             enabled,
			"adaptive":            adaptive,
		},
	)
	return err
}

func outcomeWord(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
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
