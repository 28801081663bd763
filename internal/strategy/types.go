// Package strategy generates trade signals by applying fixed
// per-strategy rules to enriched market snapshots, blending in market
// regime and historical win rate.
package strategy

import (
	"time"
)

// Strategy kinds.
const (
	KindMomentum       = "momentum"
	KindMeanReversion  = "mean_reversion"
	KindBreakout       = "breakout"
	KindScalping       = "scalping"
	KindSwing          = "swing"
	KindTrendFollowing = "trend_following"
)

// Kinds lists every strategy in evaluation order.
var Kinds = []string{
	KindMomentum,
	KindMeanReversion,
	KindBreakout,
	KindScalping,
	KindSwing,
	KindTrendFollowing,
}

// Strength grades a signal.
type Strength string

const (
	StrengthWeak       Strength = "weak"
	StrengthModerate   Strength = "moderate"
	StrengthStrong     Strength = "strong"
	StrengthVeryStrong Strength = "very_strong"
)

// Signal is one actionable strategy output for a symbol.
type Signal struct {
	Symbol           string             `json:"symbol"`
	Strategy         string             `json:"strategy"`
	Strength         Strength           `json:"strength"`
	Confidence       float64            `json:"confidence"`
	Entry            float64            `json:"entry"`
	Stop             float64            `json:"stop"`
	Target           float64            `json:"target"`
	RiskLevel        string             `json:"risk_level"`
	PositionSize     float64            `json:"position_size"`
	Reasoning        string             `json:"reasoning"`
	Indicators       map[string]float64 `json:"indicators,omitempty"`
	ExpectedDuration time.Duration      `json:"expected_duration"`
	Timestamp        time.Time          `json:"timestamp"`
}

// Market trend labels.
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
)

// Market regimes.
const (
	RegimeHighVolatility = "high_volatility"
	RegimeConsolidation  = "low_volatility_consolidation"
	RegimeTrending       = "trending"
	RegimeNormal         = "normal"
)

// MarketConditions summarizes the current market for the coordinator.
type MarketConditions struct {
	Symbol      string  `json:"symbol"`
	PriceChange float64 `json:"price_change"`
	Volatility  float64 `json:"volatility"`
	Trend       string  `json:"trend"`
	Volume      float64 `json:"volume"`
	VIX         float64 `json:"vix"`
	Regime      string  `json:"regime"`
}

// Stats accumulates per-strategy outcome history.
type Stats struct {
	Total       int     `json:"total"`
	Wins        int     `json:"wins"`
	GrossProfit float64 `json:"gross_profit"`
	GrossLoss   float64 `json:"gross_loss"` // absolute value
}

// WinRate is wins over total, 0.5 prior when empty.
func (s *Stats) WinRate() float64 {
	if s == nil || s.Total == 0 {
		return 0.5
	}
	return float64(s.Wins) / float64(s.Total)
}

// AvgProfit is the mean winning trade.
func (s *Stats) AvgProfit() float64 {
	if s == nil || s.Wins == 0 {
		return 0
	}
	return s.GrossProfit / float64(s.Wins)
}

// AvgLoss is the mean losing trade, as a positive number.
func (s *Stats) AvgLoss() float64 {
	if s == nil || s.Total == s.Wins {
		return 0
	}
	losses := s.Total - s.Wins
	return s.GrossLoss / float64(losses)
}

// ProfitFactor is gross profit over gross loss.
func (s *Stats) ProfitFactor() float64 {
	if s == nil || s.GrossLoss == 0 {
		if s != nil && s.GrossProfit > 0 {
			return s.GrossProfit
		}
		return 0
	}
	return s.GrossProfit / s.GrossLoss
}
