// Package portfolio tracks open positions: fills move quantity and
// average price, marks move unrealized P&L, and closes realize it.
package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/fanout"
	"github.com/pennyops/tradefabric/internal/ledger"
	"github.com/pennyops/tradefabric/internal/memory"
)

// PositionStore persists position rows. May be nil for a purely
// in-memory book.
type PositionStore interface {
	UpsertPosition(ctx context.Context, pos *ledger.Position) error
	ClosePosition(ctx context.Context, symbol string, realizedPnL float64) error
}

// PnLSummary is the book's profit split.
type PnLSummary struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
}

// Tracker is the portfolio specialist. The in-memory book is
// authoritative inside a process; the store mirrors it.
type Tracker struct {
	*agents.BaseAgent
	store PositionStore

	mu        sync.Mutex
	positions map[string]*ledger.Position
	realized  float64
}

// NewTracker creates a portfolio tracker.
func NewTracker(base *agents.BaseAgent, store PositionStore) *Tracker {
	return &Tracker{
		BaseAgent: base,
		store:     store,
		positions: make(map[string]*ledger.Position),
	}
}

// ApplyFill folds an executed trade into the book. Buys open or add
// to a position; sells reduce it and realize P&L, closing the row
// when quantity reaches zero.
func (t *Tracker) ApplyFill(ctx context.Context, trade *ledger.Trade) error {
	if trade.Quantity <= 0 {
		return fmt.Errorf("fill for %s has non-positive quantity %f", trade.Symbol, trade.Quantity)
	}

	t.mu.Lock()
	pos, exists := t.positions[trade.Symbol]
	var (
		closed   bool
		realized float64
	)
	switch trade.Side {
	case ledger.TradeSideBuy:
		if !exists {
			pos = &ledger.Position{
				Symbol:       trade.Symbol,
				Quantity:     trade.Quantity,
				AvgPrice:     trade.Price,
				CurrentPrice: trade.Price,
				Status:       ledger.PositionStatusOpen,
				CreatedAt:    time.Now(),
			}
			t.positions[trade.Symbol] = pos
		} else {
			total := pos.Quantity + trade.Quantity
			pos.AvgPrice = (pos.AvgPrice*pos.Quantity + trade.Price*trade.Quantity) / total
			pos.Quantity = total
			pos.CurrentPrice = trade.Price
		}
	case ledger.TradeSideSell:
		if !exists {
			t.mu.Unlock()
			return fmt.Errorf("sell fill for %s with no open position", trade.Symbol)
		}
		qty := trade.Quantity
		if qty > pos.Quantity {
			qty = pos.Quantity
		}
		realized = (trade.Price - pos.AvgPrice) * qty
		pos.Quantity -= qty
		pos.CurrentPrice = trade.Price
		pos.RealizedPnL += realized
		t.realized += realized
		if pos.Quantity == 0 {
			closed = true
			pos.Status = ledger.PositionStatusClosed
			pos.UnrealizedPnL = 0
			delete(t.positions, trade.Symbol)
		}
	default:
		t.mu.Unlock()
		return fmt.Errorf("unknown trade side %q", trade.Side)
	}
	snapshot := *pos
	t.mu.Unlock()

	if t.store != nil {
		var err error
		if closed {
			err = t.store.ClosePosition(ctx, trade.Symbol, snapshot.RealizedPnL)
		} else {
			err = t.store.UpsertPosition(ctx, &snapshot)
		}
		if err != nil {
			return fmt.Errorf("persist position for %s: %w", trade.Symbol, err)
		}
	}

	t.Emit(ctx, positionEvent(&snapshot, closed))

	if closed {
		if _, err := t.StoreMemory(ctx,
			fmt.Sprintf("Closed %s with realized pnl %.4f", trade.Symbol, snapshot.RealizedPnL),
			memory.ContentTradeExecution,
			map[string]any{
				memory.MetaImportance: 0.7,
				"symbol":              trade.Symbol,
				"realized_pnl":        snapshot.RealizedPnL,
			},
		); err != nil {
			return err
		}
	}
	return nil
}

// MarkToMarket updates a position's current price and unrealized P&L.
// Unknown symbols are a no-op.
func (t *Tracker) MarkToMarket(ctx context.Context, symbol string, price float64) error {
	t.mu.Lock()
	pos, ok := t.positions[symbol]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.AvgPrice) * pos.Quantity
	snapshot := *pos
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.UpsertPosition(ctx, &snapshot); err != nil {
			return fmt.Errorf("persist mark for %s: %w", symbol, err)
		}
	}
	return nil
}

// OpenPositions returns copies of the open book in map order;
// callers sort if they care.
func (t *Tracker) OpenPositions() []*ledger.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ledger.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// Position returns a copy of one open position.
func (t *Tracker) Position(symbol string) (*ledger.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.positions[symbol]; ok {
		cp := *pos
		return &cp, true
	}
	return nil, false
}

// Summary totals realized and unrealized P&L across the book.
func (t *Tracker) Summary() PnLSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := PnLSummary{Realized: t.realized}
	for _, pos := range t.positions {
		s.Unrealized += pos.UnrealizedPnL
	}
	return s
}

// Step emits a periodic performance event so the fan-out keeps the
// coordinator's portfolio view fresh.
func (t *Tracker) Step(ctx context.Context) error {
	summary := t.Summary()
	open := len(t.OpenPositions())

	t.Emit(ctx, &fanout.Event{
		Class: fanout.ClassPerformance,
		Payload: map[string]any{
			"realized_pnl":   summary.Realized,
			"unrealized_pnl": summary.Unrealized,
			"open_positions": open,
		},
		Timestamp: time.Now(),
	})
	return nil
}

func positionEvent(pos *ledger.Position, closed bool) *fanout.Event {
	action := "updated"
	if closed {
		action = "closed"
	}
	return &fanout.Event{
		Class:  fanout.ClassPosition,
		Symbol: pos.Symbol,
		Price:  pos.CurrentPrice,
		Payload: map[string]any{
			"action":         action,
			"quantity":       pos.Quantity,
			"avg_price":      pos.AvgPrice,
			"unrealized_pnl": pos.UnrealizedPnL,
			"realized_pnl":   pos.RealizedPnL,
		},
		Timestamp: time.Now(),
	}
}
