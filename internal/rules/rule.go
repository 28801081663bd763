// Package rules holds the typed trading rule set: evaluation against
// market data, trigger debouncing, accuracy-driven disablement, and
// adaptive synthesis of new rules from observed outcome patterns.
package rules

import (
	"fmt"
	"math"
	"time"
)

// Rule kinds.
const (
	KindEntry           = "entry"
	KindExit            = "exit"
	KindRiskManagement  = "risk_management"
	KindPositionSizing  = "position_sizing"
	KindMarketCondition = "market_condition"
)

// Operators.
const (
	OpGT         = ">"
	OpLT         = "<"
	OpGTE        = ">="
	OpLTE        = "<="
	OpEQ         = "=="
	OpNEQ        = "!="
	OpBetween    = "between"
	OpCrossAbove = "crosses_above"
	OpCrossBelow = "crosses_below"
)

// debounceWindow suppresses re-triggering of the same rule.
const debounceWindow = 5 * time.Minute

// Rule is one typed trading rule. Condition names the market-data
// field the rule inspects.
type Rule struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Condition  string         `json:"condition"`
	Operator   string         `json:"operator"`
	Threshold  float64        `json:"threshold"`
	Threshold2 float64        `json:"threshold2,omitempty"` // upper bound for between
	Priority   int            `json:"priority"`             // 1..5
	Enabled    bool           `json:"enabled"`
	Adaptive   bool           `json:"adaptive,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	Evaluations   int       `json:"evaluations"`
	Triggers      int       `json:"triggers"`
	Outcomes      int       `json:"outcomes"`
	Successes     int       `json:"successes"`
	LastTriggered time.Time `json:"last_triggered,omitempty"`
}

// Accuracy is successes over recorded outcomes, 0.5 prior when empty.
func (r *Rule) Accuracy() float64 {
	if r.Outcomes == 0 {
		return 0.5
	}
	return float64(r.Successes) / float64(r.Outcomes)
}

// Evaluation is the result of applying one rule to one symbol.
type Evaluation struct {
	RuleID       string    `json:"rule_id"`
	Symbol       string    `json:"symbol"`
	Triggered    bool      `json:"triggered"`
	Value        float64   `json:"value"`
	Threshold    float64   `json:"threshold"`
	ConditionMet bool      `json:"condition_met"`
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning"`
	Timestamp    time.Time `json:"timestamp"`
}

// apply tests the operator. prev is the last observed value for
// crosses operators; hasPrev is false on the first observation.
func (r *Rule) apply(value, prev float64, hasPrev bool) bool {
	switch r.Operator {
	case OpGT:
		return value > r.Threshold
	case OpLT:
		return value < r.Threshold
	case OpGTE:
		return value >= r.Threshold
	case OpLTE:
		return value <= r.Threshold
	case OpEQ:
		return math.Abs(value-r.Threshold) < 1e-9
	case OpNEQ:
		return math.Abs(value-r.Threshold) >= 1e-9
	case OpBetween:
		return value >= r.Threshold && value <= r.Threshold2
	case OpCrossAbove:
		return hasPrev && prev < r.Threshold && value >= r.Threshold
	case OpCrossBelow:
		return hasPrev && prev > r.Threshold && value <= r.Threshold
	default:
		return false
	}
}

func (r *Rule) describe(value float64, met bool) string {
	verdict := "not met"
	if met {
		verdict = "met"
	}
	if r.Operator == OpBetween {
		return fmt.Sprintf("%s: %s %.4f %s [%.4f, %.4f] %s",
			r.Name, r.Condition, value, r.Operator, r.Threshold, r.Threshold2, verdict)
	}
	return fmt.Sprintf("%s: %s %.4f %s %.4f %s",
		r.Name, r.Condition, value, r.Operator, r.Threshold, verdict)
}

// DefaultRules seeds a new agent with a conservative starter set.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID: "entry-rsi-oversold", Kind: KindEntry, Name: "RSI oversold entry",
			Condition: "rsi", Operator: OpLT, Threshold: 30, Priority: 3, Enabled: true,
		},
		{
			ID: "entry-momentum-volume", Kind: KindEntry, Name: "Volume-backed momentum entry",
			Condition: "volume_ratio", Operator: OpGT, Threshold: 1.5, Priority: 4, Enabled: true,
		},
		{
			ID: "entry-breakout-move", Kind: KindEntry, Name: "Breakout move entry",
			Condition: "price_change", Operator: OpGT, Threshold: 0.02, Priority: 3, Enabled: true,
		},
		{
			ID: "exit-rsi-overbought", Kind: KindExit, Name: "RSI overbought exit",
			Condition: "rsi", Operator: OpGT, Threshold: 75, Priority: 4, Enabled: true,
		},
		{
			ID: "risk-volatility-spike", Kind: KindRiskManagement, Name: "Volatility spike halt",
			Condition: "volatility", Operator: OpGT, Threshold: 0.05, Priority: 5, Enabled: true,
		},
		{
			ID: "market-healthy-band", Kind: KindMarketCondition, Name: "Volatility in tradable band",
			Condition: "volatility", Operator: OpBetween, Threshold: 0.005, Threshold2: 0.035, Priority: 2, Enabled: true,
		},
	}
}
