// Package fanout is the single ingress for every agent emission:
// events are classified, persisted, memorized when important, and
// re-announced to the agents that care.
package fanout

import (
	"time"
)

// Class is the closed set of event categories. Unknown tags fall
// through to ClassOther and are logged.
type Class string

const (
	ClassSignal       Class = "signal"
	ClassTrade        Class = "trade"
	ClassPosition     Class = "position"
	ClassStrategy     Class = "strategy"
	ClassPerformance  Class = "performance"
	ClassError        Class = "error"
	ClassCoordination Class = "coordination_decision"
	ClassStatus       Class = "status"
	ClassOther        Class = "other"
)

// Severity levels for error events.
const (
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Event is one agent emission. Class-specific data rides in Payload;
// the typed fields are the ones the fan-out itself inspects.
type Event struct {
	Class       Class          `json:"class"`
	Source      string         `json:"source"`
	Symbol      string         `json:"symbol,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	Price       float64        `json:"price,omitempty"`
	Volume      float64        `json:"volume,omitempty"`
	Severity    string         `json:"severity,omitempty"` // error events only
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	ProcessedAt time.Time      `json:"processed_at,omitempty"`
}

// knownClasses guards the closed set.
var knownClasses = map[Class]bool{
	ClassSignal:       true,
	ClassTrade:        true,
	ClassPosition:     true,
	ClassStrategy:     true,
	ClassPerformance:  true,
	ClassError:        true,
	ClassCoordination: true,
	ClassStatus:       true,
	ClassOther:        true,
}

// NormalizeClass maps a raw tag onto the closed set.
func NormalizeClass(raw string) (Class, bool) {
	c := Class(raw)
	if knownClasses[c] {
		return c, true
	}
	return ClassOther, false
}

// Importance scores an event in [0,1]. High scores make the event a
// memory record and raise its survival odds during retention.
func Importance(ev *Event) float64 {
	score := 0.1

	switch ev.Class {
	case ClassSignal:
		score += 0.8
	case ClassTrade:
		score += 0.9
	case ClassCoordination:
		score += 0.9
	case ClassPerformance:
		score += 0.7
	case ClassError:
		score += 0.5
	case ClassStrategy:
		score += 0.6
	case ClassPosition:
		score += 0.6
	case ClassStatus:
		score += 0.1
	}

	if ev.Confidence > 0 {
		score += ev.Confidence * 0.3
	}
	if ev.Volume > 1e6 {
		score += 0.05
	}
	if ev.Price != 0 {
		score += 0.05
	}
	if ev.Class == ClassError {
		switch ev.Severity {
		case SeverityHigh:
			score += 0.4
		case SeverityCritical:
			score += 0.6
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// interestTable is the static per-class routing of notifications.
var interestTable = map[Class][]string{
	ClassSignal:      {"strategy", "rules", "risk", "timing"},
	ClassTrade:       {"portfolio", "tax", "performance"},
	ClassPosition:    {"risk", "portfolio"},
	ClassStrategy:    {"coordinator", "performance"},
	ClassPerformance: {"coordinator", "performance"},
	ClassError:       {"runtime", "coordinator"},
}

// InterestedAgents returns the agents to notify about an event, never
// including the source. The coordinator is always added for trades,
// errors, and high-confidence events.
func InterestedAgents(ev *Event) []string {
	seen := make(map[string]bool)
	var agents []string
	add := func(name string) {
		if name == ev.Source || seen[name] {
			return
		}
		seen[name] = true
		agents = append(agents, name)
	}

	for _, name := range interestTable[ev.Class] {
		add(name)
	}
	if ev.Confidence > 0.7 || ev.Class == ClassTrade || ev.Class == ClassError {
		add("coordinator")
	}
	return agents
}
