// Package scraper produces market snapshots for the watchlist. The
// data source is pluggable; when no live feed is wired in, a
// deterministic random-walk simulator stands in and every snapshot it
// produces is flagged data_source=simulation.
package scraper

import (
	"time"
)

// Data source tags carried on every snapshot.
const (
	SourceLive       = "live"
	SourceSimulation = "simulation"
)

// Snapshot is one self-consistent view of a symbol. Timestamps are
// monotonic per symbol.
type Snapshot struct {
	Symbol     string             `json:"symbol"`
	Price      float64            `json:"price"`
	Open       float64            `json:"open"`
	High       float64            `json:"high"`
	Low        float64            `json:"low"`
	Close      float64            `json:"close"`
	Volume     float64            `json:"volume"`
	Timeframe  string             `json:"timeframe"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	DataSource string             `json:"data_source"`
	Timestamp  time.Time          `json:"timestamp"`
}
