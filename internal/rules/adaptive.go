package rules

import (
	"fmt"
	"math"
	"sort"
)

// Adaptive synthesis thresholds.
const (
	minPatterns     = 10
	minSuccesses    = 5
	minFeatureScore = 0.7
)

// pattern is one observed (features, outcome) pair.
type pattern struct {
	features map[string]any
	success  bool
}

// featureCandidate scores one feature's predictiveness across the
// successful patterns.
type featureCandidate struct {
	name      string
	score     float64
	numeric   bool
	mean      float64 // numeric: mean of successful values
	failMean  float64 // numeric: mean of failed values
	modeValue string  // categorical: most frequent value
}

// synthesizeRule derives a new entry rule from the most predictive
// feature, or nil when no feature scores high enough.
func synthesizeRule(patterns []*pattern, seq int) *Rule {
	var successes, failures []*pattern
	for _, p := range patterns {
		if p.success {
			successes = append(successes, p)
		} else {
			failures = append(failures, p)
		}
	}
	if len(patterns) < minPatterns || len(successes) < minSuccesses {
		return nil
	}

	best := bestFeature(successes, failures)
	if best == nil || best.score < minFeatureScore {
		return nil
	}

	rule := &Rule{
		ID:       fmt.Sprintf("adaptive-%s-%d", best.name, seq),
		Kind:     KindEntry,
		Name:     fmt.Sprintf("Learned %s rule", best.name),
		Priority: 3,
		Enabled:  true,
		Adaptive: true,
	}

	if best.numeric {
		rule.Condition = best.name
		rule.Threshold = best.mean
		if best.mean >= best.failMean {
			rule.Operator = OpGT
		} else {
			rule.Operator = OpLT
		}
	} else {
		rule.Condition = best.name
		rule.Operator = OpEQ
		rule.Parameters = map[string]any{"value": best.modeValue}
	}
	return rule
}

// bestFeature ranks features by coefficient-of-variation score for
// numerics and mode frequency for categoricals.
func bestFeature(successes, failures []*pattern) *featureCandidate {
	names := make(map[string]bool)
	for _, p := range successes {
		for name := range p.features {
			names[name] = true
		}
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var best *featureCandidate
	for _, name := range ordered {
		cand := scoreFeature(name, successes, failures)
		if cand == nil {
			continue
		}
		if best == nil || cand.score > best.score {
			best = cand
		}
	}
	return best
}

func scoreFeature(name string, successes, failures []*pattern) *featureCandidate {
	var numbers []float64
	var strings_ []string
	for _, p := range successes {
		switch v := p.features[name].(type) {
		case float64:
			numbers = append(numbers, v)
		case int:
			numbers = append(numbers, float64(v))
		case string:
			strings_ = append(strings_, v)
		}
	}

	if len(numbers) >= minSuccesses {
		mean, cv := meanAndCV(numbers)
		return &featureCandidate{
			name:     name,
			score:    1 - cv,
			numeric:  true,
			mean:     mean,
			failMean: failureMean(name, failures),
		}
	}

	if len(strings_) >= minSuccesses {
		mode, freq := modeFrequency(strings_)
		return &featureCandidate{
			name:      name,
			score:     freq,
			modeValue: mode,
		}
	}
	return nil
}

func meanAndCV(values []float64) (mean, cv float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(values)))

	if math.Abs(mean) < 1e-12 {
		return mean, 1
	}
	return mean, std / math.Abs(mean)
}

func failureMean(name string, failures []*pattern) float64 {
	var sum float64
	var n int
	for _, p := range failures {
		switch v := p.features[name].(type) {
		case float64:
			sum += v
			n++
		case int:
			sum += float64(v)
			n++
		}
	}
	if n == 0 {
		return math.Inf(-1) // no failed samples: treat success mean as above
	}
	return sum / float64(n)
}

func modeFrequency(values []string) (string, float64) {
	counts := make(map[string]int)
	for _, v := range values {
		counts[v]++
	}
	var mode string
	var max int
	for v, c := range counts {
		if c > max || (c == max && v < mode) {
			mode, max = v, c
		}
	}
	return mode, float64(max) / float64(len(values))
}
