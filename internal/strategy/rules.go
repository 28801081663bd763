package strategy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pennyops/tradefabric/internal/scraper"
)

// ruleResult is the raw outcome of one strategy's fixed rule before
// regime and win-rate blending.
type ruleResult struct {
	triggered  bool
	confidence float64
	reasoning  string
}

// Rule thresholds. Fixed per strategy; tuning happens through the
// rules agent, not here.
const (
	momentumRSI       = 60.0
	momentumVolume    = 1.5
	momentumReturn    = 0.01
	reversionRSI      = 30.0
	reversionDip      = 0.02
	breakoutReturn    = 0.02
	breakoutVolume    = 2.0
	scalpVolFloor     = 0.005
	scalpVolCeil      = 0.02
	scalpVolume       = 1.2
	swingRSILow       = 40.0
	swingRSIHigh      = 60.0
)

// evaluate applies the fixed rule for one strategy kind against a
// snapshot. Confidence is the sum of per-condition contributions over
// a 0.2 base.
func evaluate(kind string, snap *scraper.Snapshot) ruleResult {
	ind := snap.Indicators
	var (
		confidence = 0.2
		reasons    []string
		triggers   []bool
	)
	cond := func(required bool, ok bool, weight float64, desc string) {
		if required {
			triggers = append(triggers, ok)
		}
		if ok {
			confidence += weight
			reasons = append(reasons, desc)
		}
	}

	switch kind {
	case KindMomentum:
		cond(true, ind["rsi"] > momentumRSI, 0.30, fmt.Sprintf("rsi %.1f above %.0f", ind["rsi"], momentumRSI))
		cond(true, ind["volume_ratio"] > momentumVolume, 0.25, fmt.Sprintf("volume ratio %.2f above %.1f", ind["volume_ratio"], momentumVolume))
		cond(true, ind["price_change"] > momentumReturn, 0.25, fmt.Sprintf("return %.3f above %.2f", ind["price_change"], momentumReturn))
	case KindMeanReversion:
		dip := ind["sma"] > 0 && snap.Price < ind["sma"]*(1-reversionDip)
		cond(true, ind["rsi"] > 0 && ind["rsi"] < reversionRSI, 0.35, fmt.Sprintf("rsi %.1f oversold", ind["rsi"]))
		cond(true, dip, 0.25, "price stretched below sma")
		cond(false, ind["volatility"] < 0.03, 0.15, "volatility contained")
	case KindBreakout:
		cond(true, ind["price_change"] > breakoutReturn, 0.30, fmt.Sprintf("breakout move %.3f", ind["price_change"]))
		cond(true, ind["volume_ratio"] > breakoutVolume, 0.30, fmt.Sprintf("volume surge %.2f", ind["volume_ratio"]))
	case KindScalping:
		inBand := ind["volatility"] >= scalpVolFloor && ind["volatility"] <= scalpVolCeil
		cond(true, inBand, 0.25, "volatility in scalp band")
		cond(true, ind["volume_ratio"] > scalpVolume, 0.25, "liquidity present")
		cond(false, math.Abs(ind["price_change"]) < 0.005, 0.20, "tight tape")
	case KindSwing:
		cond(true, crossedUp(ind), 0.30, "fast ema above slow")
		cond(false, ind["rsi"] >= swingRSILow && ind["rsi"] <= swingRSIHigh, 0.20, "rsi mid-range")
		cond(true, ind["macd"] > ind["macd_signal"], 0.20, "macd above signal")
	case KindTrendFollowing:
		cond(true, crossedUp(ind), 0.30, "fast ema above slow")
		cond(true, ind["macd"] > ind["macd_signal"], 0.25, "macd confirms")
		cond(false, ind["price_change"] > 0, 0.15, "positive drift")
	default:
		return ruleResult{}
	}

	triggered := len(triggers) > 0
	for _, ok := range triggers {
		triggered = triggered && ok
	}
	return ruleResult{
		triggered:  triggered,
		confidence: confidence,
		reasoning:  strings.Join(reasons, "; "),
	}
}

func crossedUp(ind map[string]float64) bool {
	return ind["ema_fast"] > 0 && ind["ema_slow"] > 0 && ind["ema_fast"] > ind["ema_slow"]
}

// regimeAdjust shifts confidence by how well a strategy suits the
// current regime.
func regimeAdjust(kind, regime string) float64 {
	switch regime {
	case RegimeTrending:
		switch kind {
		case KindMomentum, KindBreakout, KindTrendFollowing:
			return 0.05
		case KindMeanReversion:
			return -0.10
		}
	case RegimeHighVolatility:
		switch kind {
		case KindScalping, KindSwing:
			return -0.10
		case KindBreakout:
			return 0.03
		}
	case RegimeConsolidation:
		switch kind {
		case KindMeanReversion, KindScalping:
			return 0.05
		case KindMomentum, KindBreakout:
			return -0.10
		}
	}
	return 0
}

// expectedDurations by strategy kind.
var expectedDurations = map[string]time.Duration{
	KindScalping:       15 * time.Minute,
	KindBreakout:       time.Hour,
	KindMomentum:       2 * time.Hour,
	KindMeanReversion:  4 * time.Hour,
	KindSwing:          48 * time.Hour,
	KindTrendFollowing: 72 * time.Hour,
}

// stopFractions: how far below entry the stop sits, per strategy.
var stopFractions = map[string]float64{
	KindScalping:       0.01,
	KindBreakout:       0.02,
	KindMomentum:       0.02,
	KindMeanReversion:  0.03,
	KindSwing:          0.04,
	KindTrendFollowing: 0.05,
}
