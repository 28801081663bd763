package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pennyops/tradefabric/internal/memory"
)

// Ledger wraps the PostgreSQL connection pool for the structured
// tables. Writes are transactional per call; referential invariants
// are the emitters' responsibility.
type Ledger struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New creates a ledger over a new connection pool.
func New(ctx context.Context, dsn string, poolSize int, log zerolog.Logger) (*Ledger, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Ledger{
		pool: pool,
		log:  log.With().Str("component", "ledger").Logger(),
	}, nil
}

// NewFromPool creates a ledger over an existing pool.
func NewFromPool(pool *pgxpool.Pool, log zerolog.Logger) *Ledger {
	return &Ledger{
		pool: pool,
		log:  log.With().Str("component", "ledger").Logger(),
	}
}

// Pool returns the underlying connection pool.
func (l *Ledger) Pool() *pgxpool.Pool {
	return l.pool
}

// Close closes the connection pool.
func (l *Ledger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

// Health checks database connectivity.
func (l *Ledger) Health(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// InsertSignal writes a signal row.
func (l *Ledger) InsertSignal(ctx context.Context, sig *Signal) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO signals (id, symbol, kind, confidence, price, volume, timeframe, indicators, metadata, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := l.pool.Exec(ctx, query,
		sig.ID, sig.Symbol, sig.Kind, sig.Confidence, sig.Price, sig.Volume,
		sig.Timeframe, sig.Indicators, sig.Metadata, sig.Processed, sig.CreatedAt,
	)
	if err != nil {
		return &WriteError{Table: "signals", Err: err}
	}
	return nil
}

// MarkSignalProcessed flips a signal's processed flag.
func (l *Ledger) MarkSignalProcessed(ctx context.Context, id string) error {
	result, err := l.pool.Exec(ctx, `UPDATE signals SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return &WriteError{Table: "signals", Err: err}
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("signal not found: %s", id)
	}
	return nil
}

// RecentSignals returns the n most recent signal rows.
func (l *Ledger) RecentSignals(ctx context.Context, n int) ([]*Signal, error) {
	query := `
		SELECT id, symbol, kind, confidence, price, volume, timeframe, indicators, metadata, processed, created_at
		FROM signals
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := l.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		var sig Signal
		if err := rows.Scan(
			&sig.ID, &sig.Symbol, &sig.Kind, &sig.Confidence, &sig.Price, &sig.Volume,
			&sig.Timeframe, &sig.Indicators, &sig.Metadata, &sig.Processed, &sig.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, &sig)
	}
	return signals, rows.Err()
}

// InsertTrade writes a trade row.
func (l *Ledger) InsertTrade(ctx context.Context, trade *Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now()
	}
	if trade.Status == "" {
		trade.Status = TradeStatusPending
	}

	query := `
		INSERT INTO trades (id, symbol, side, quantity, price, pnl, fees, strategy_name, signal_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := l.pool.Exec(ctx, query,
		trade.ID, trade.Symbol, trade.Side, trade.Quantity, trade.Price, trade.PnL,
		trade.Fees, trade.StrategyName, trade.SignalID, trade.Status, trade.CreatedAt,
	)
	if err != nil {
		return &WriteError{Table: "trades", Err: err}
	}
	return nil
}

// UpdateTradeStatus transitions a trade and records its P&L.
func (l *Ledger) UpdateTradeStatus(ctx context.Context, id string, status TradeStatus, pnl float64) error {
	result, err := l.pool.Exec(ctx,
		`UPDATE trades SET status = $2, pnl = $3 WHERE id = $1`,
		id, status, pnl,
	)
	if err != nil {
		return &WriteError{Table: "trades", Err: err}
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("trade not found: %s", id)
	}
	return nil
}

// RecentTrades returns the n most recent trade rows.
func (l *Ledger) RecentTrades(ctx context.Context, n int) ([]*Trade, error) {
	query := `
		SELECT id, symbol, side, quantity, price, pnl, fees, strategy_name, signal_id, status, created_at
		FROM trades
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := l.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var tr Trade
		if err := rows.Scan(
			&tr.ID, &tr.Symbol, &tr.Side, &tr.Quantity, &tr.Price, &tr.PnL,
			&tr.Fees, &tr.StrategyName, &tr.SignalID, &tr.Status, &tr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, &tr)
	}
	return trades, rows.Err()
}

// UpsertPosition writes or refreshes the open position row for a symbol.
func (l *Ledger) UpsertPosition(ctx context.Context, pos *Position) error {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	now := time.Now()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	pos.UpdatedAt = now
	if pos.Status == "" {
		pos.Status = PositionStatusOpen
	}

	query := `
		INSERT INTO positions (id, symbol, quantity, avg_price, current_price, unrealized_pnl, realized_pnl, stop_loss, take_profit, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol) WHERE status = 'open' DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_price = EXCLUDED.avg_price,
			current_price = EXCLUDED.current_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			updated_at = EXCLUDED.updated_at
	`

	_, err := l.pool.Exec(ctx, query,
		pos.ID, pos.Symbol, pos.Quantity, pos.AvgPrice, pos.CurrentPrice,
		pos.UnrealizedPnL, pos.RealizedPnL, pos.StopLoss, pos.TakeProfit,
		pos.Status, pos.CreatedAt, pos.UpdatedAt,
	)
	if err != nil {
		return &WriteError{Table: "positions", Err: err}
	}
	return nil
}

// ClosePosition transitions a symbol's open position to closed,
// recording realized P&L on the same row.
func (l *Ledger) ClosePosition(ctx context.Context, symbol string, realizedPnL float64) error {
	result, err := l.pool.Exec(ctx,
		`UPDATE positions SET status = 'closed', realized_pnl = $2, unrealized_pnl = 0, updated_at = NOW()
		 WHERE symbol = $1 AND status = 'open'`,
		symbol, realizedPnL,
	)
	if err != nil {
		return &WriteError{Table: "positions", Err: err}
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no open position for symbol: %s", symbol)
	}
	return nil
}

// GetOpenPosition returns the open position for a symbol, if any.
func (l *Ledger) GetOpenPosition(ctx context.Context, symbol string) (*Position, error) {
	query := `
		SELECT id, symbol, quantity, avg_price, current_price, unrealized_pnl, realized_pnl, stop_loss, take_profit, status, created_at, updated_at
		FROM positions
		WHERE symbol = $1 AND status = 'open'
	`

	var pos Position
	err := l.pool.QueryRow(ctx, query, symbol).Scan(
		&pos.ID, &pos.Symbol, &pos.Quantity, &pos.AvgPrice, &pos.CurrentPrice,
		&pos.UnrealizedPnL, &pos.RealizedPnL, &pos.StopLoss, &pos.TakeProfit,
		&pos.Status, &pos.CreatedAt, &pos.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	return &pos, nil
}

// OpenPositions returns all open position rows.
func (l *Ledger) OpenPositions(ctx context.Context) ([]*Position, error) {
	query := `
		SELECT id, symbol, quantity, avg_price, current_price, unrealized_pnl, realized_pnl, stop_loss, take_profit, status, created_at, updated_at
		FROM positions
		WHERE status = 'open'
		ORDER BY symbol
	`

	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		var pos Position
		if err := rows.Scan(
			&pos.ID, &pos.Symbol, &pos.Quantity, &pos.AvgPrice, &pos.CurrentPrice,
			&pos.UnrealizedPnL, &pos.RealizedPnL, &pos.StopLoss, &pos.TakeProfit,
			&pos.Status, &pos.CreatedAt, &pos.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, &pos)
	}
	return positions, rows.Err()
}

// InsertSnapshot writes a market snapshot row.
func (l *Ledger) InsertSnapshot(ctx context.Context, snap *MarketSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO market_snapshots (id, symbol, timeframe, open, high, low, close, volume, indicators, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := l.pool.Exec(ctx, query,
		snap.ID, snap.Symbol, snap.Timeframe, snap.Open, snap.High, snap.Low,
		snap.Close, snap.Volume, snap.Indicators, snap.CreatedAt,
	)
	if err != nil {
		return &WriteError{Table: "market_snapshots", Err: err}
	}
	return nil
}

// RecentSnapshots returns the n most recent snapshots for a symbol.
func (l *Ledger) RecentSnapshots(ctx context.Context, symbol string, n int) ([]*MarketSnapshot, error) {
	query := `
		SELECT id, symbol, timeframe, open, high, low, close, volume, indicators, created_at
		FROM market_snapshots
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := l.pool.Query(ctx, query, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*MarketSnapshot
	for rows.Next() {
		var snap MarketSnapshot
		if err := rows.Scan(
			&snap.ID, &snap.Symbol, &snap.Timeframe, &snap.Open, &snap.High,
			&snap.Low, &snap.Close, &snap.Volume, &snap.Indicators, &snap.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// UpsertStrategyPerformance writes or refreshes a strategy's totals.
func (l *Ledger) UpsertStrategyPerformance(ctx context.Context, perf *StrategyPerformance) error {
	if perf.ID == "" {
		perf.ID = uuid.NewString()
	}
	perf.UpdatedAt = time.Now()

	query := `
		INSERT INTO strategy_performance (id, strategy_name, total_trades, win_count, total_pnl, max_drawdown, sharpe_ratio, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (strategy_name) DO UPDATE SET
			total_trades = EXCLUDED.total_trades,
			win_count = EXCLUDED.win_count,
			total_pnl = EXCLUDED.total_pnl,
			max_drawdown = EXCLUDED.max_drawdown,
			sharpe_ratio = EXCLUDED.sharpe_ratio,
			updated_at = EXCLUDED.updated_at
	`

	_, err := l.pool.Exec(ctx, query,
		perf.ID, perf.StrategyName, perf.TotalTrades, perf.WinCount,
		perf.TotalPnL, perf.MaxDrawdown, perf.SharpeRatio, perf.UpdatedAt,
	)
	if err != nil {
		return &WriteError{Table: "strategy_performance", Err: err}
	}
	return nil
}

// GetStrategyPerformance returns a strategy's totals, or nil.
func (l *Ledger) GetStrategyPerformance(ctx context.Context, strategyName string) (*StrategyPerformance, error) {
	query := `
		SELECT id, strategy_name, total_trades, win_count, total_pnl, max_drawdown, sharpe_ratio, updated_at
		FROM strategy_performance
		WHERE strategy_name = $1
	`

	var perf StrategyPerformance
	err := l.pool.QueryRow(ctx, query, strategyName).Scan(
		&perf.ID, &perf.StrategyName, &perf.TotalTrades, &perf.WinCount,
		&perf.TotalPnL, &perf.MaxDrawdown, &perf.SharpeRatio, &perf.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy performance: %w", err)
	}
	return &perf, nil
}

// RecordEmbedding mirrors a memory write into the bookkeeping table.
// Unique on content hash: repeated persistence of identical content
// bumps the access counters instead of adding rows. Implements
// memory.Bookkeeper.
func (l *Ledger) RecordEmbedding(ctx context.Context, id, contentHash string, contentType memory.ContentType, source string, importance float64) error {
	query := `
		INSERT INTO embedding_bookkeeping (id, content_hash, content_type, source, importance, access_count, last_access, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW(), NOW())
		ON CONFLICT (content_hash) DO UPDATE SET
			access_count = embedding_bookkeeping.access_count + 1,
			last_access = NOW()
	`

	_, err := l.pool.Exec(ctx, query, id, contentHash, string(contentType), source, importance)
	if err != nil {
		return &WriteError{Table: "embedding_bookkeeping", Err: err}
	}
	return nil
}

// GetEmbeddingRecord returns the bookkeeping row for a content hash, or nil.
func (l *Ledger) GetEmbeddingRecord(ctx context.Context, contentHash string) (*EmbeddingRecord, error) {
	query := `
		SELECT id, content_hash, content_type, source, importance, access_count, last_access, created_at
		FROM embedding_bookkeeping
		WHERE content_hash = $1
	`

	var rec EmbeddingRecord
	err := l.pool.QueryRow(ctx, query, contentHash).Scan(
		&rec.ID, &rec.ContentHash, &rec.ContentType, &rec.Source,
		&rec.Importance, &rec.AccessCount, &rec.LastAccess, &rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query embedding record: %w", err)
	}
	return &rec, nil
}
