// Package ledger is the structured metadata store: typed tables for
// signals, trades, positions, market snapshots, strategy performance
// and embedding bookkeeping, backed by PostgreSQL.
package ledger

import (
	"fmt"
	"time"
)

// TradeSide represents the side of a trade
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// TradeStatus represents the lifecycle state of a trade
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusExecuted  TradeStatus = "executed"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// PositionStatus represents whether a position is open or closed
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Signal is a row in the signals table
type Signal struct {
	ID         string         `db:"id"`
	Symbol     string         `db:"symbol"`
	Kind       string         `db:"kind"`
	Confidence float64        `db:"confidence"`
	Price      float64        `db:"price"`
	Volume     float64        `db:"volume"`
	Timeframe  string         `db:"timeframe"`
	Indicators map[string]any `db:"indicators"`
	Metadata   map[string]any `db:"metadata"`
	Processed  bool           `db:"processed"`
	CreatedAt  time.Time      `db:"created_at"`
}

// Trade is a row in the trades table. Executed trades reference the
// signal row that produced them.
type Trade struct {
	ID           string      `db:"id"`
	Symbol       string      `db:"symbol"`
	Side         TradeSide   `db:"side"`
	Quantity     float64     `db:"quantity"`
	Price        float64     `db:"price"`
	PnL          float64     `db:"pnl"`
	Fees         float64     `db:"fees"`
	StrategyName string      `db:"strategy_name"`
	SignalID     *string     `db:"signal_id"`
	Status       TradeStatus `db:"status"`
	CreatedAt    time.Time   `db:"created_at"`
}

// Position is a row in the positions table. One open row per symbol.
type Position struct {
	ID            string         `db:"id"`
	Symbol        string         `db:"symbol"`
	Quantity      float64        `db:"quantity"`
	AvgPrice      float64        `db:"avg_price"`
	CurrentPrice  float64        `db:"current_price"`
	UnrealizedPnL float64        `db:"unrealized_pnl"`
	RealizedPnL   float64        `db:"realized_pnl"`
	StopLoss      *float64       `db:"stop_loss"`
	TakeProfit    *float64       `db:"take_profit"`
	Status        PositionStatus `db:"status"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// MarketSnapshot is a row in the market_snapshots table
type MarketSnapshot struct {
	ID         string         `db:"id"`
	Symbol     string         `db:"symbol"`
	Timeframe  string         `db:"timeframe"`
	Open       float64        `db:"open"`
	High       float64        `db:"high"`
	Low        float64        `db:"low"`
	Close      float64        `db:"close"`
	Volume     float64        `db:"volume"`
	Indicators map[string]any `db:"indicators"`
	CreatedAt  time.Time      `db:"created_at"`
}

// StrategyPerformance is a row in the strategy_performance table
type StrategyPerformance struct {
	ID           string    `db:"id"`
	StrategyName string    `db:"strategy_name"`
	TotalTrades  int       `db:"total_trades"`
	WinCount     int       `db:"win_count"`
	TotalPnL     float64   `db:"total_pnl"`
	MaxDrawdown  float64   `db:"max_drawdown"`
	SharpeRatio  float64   `db:"sharpe_ratio"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// EmbeddingRecord is a row in the embedding_bookkeeping table,
// mirroring every memory write. Unique on content hash so repeated
// persistence of identical content stays a single row.
type EmbeddingRecord struct {
	ID          string    `db:"id"`
	ContentHash string    `db:"content_hash"`
	ContentType string    `db:"content_type"`
	Source      string    `db:"source"`
	Importance  float64   `db:"importance"`
	AccessCount int       `db:"access_count"`
	LastAccess  time.Time `db:"last_access"`
	CreatedAt   time.Time `db:"created_at"`
}

// WriteError reports a failed ledger write. The write never leaves
// partial rows; the emitter retries on its next cycle.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger write to %s failed: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
