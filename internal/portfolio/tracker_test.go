package portfolio

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/ledger"
	"github.com/pennyops/tradefabric/internal/memory"
)

// positionRecorder captures persistence calls.
type positionRecorder struct {
	mu      sync.Mutex
	upserts []*ledger.Position
	closes  map[string]float64
}

func (r *positionRecorder) UpsertPosition(_ context.Context, pos *ledger.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *pos
	r.upserts = append(r.upserts, &cp)
	return nil
}

func (r *positionRecorder) ClosePosition(_ context.Context, symbol string, realizedPnL float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closes == nil {
		r.closes = make(map[string]float64)
	}
	r.closes[symbol] = realizedPnL
	return nil
}

func newTestTracker(t *testing.T) (*Tracker, *positionRecorder) {
	t.Helper()
	store, err := memory.NewStore(memory.StoreConfig{
		Encoder:  memory.NewHashEncoder(32),
		SpillDir: t.TempDir(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	base := agents.NewBaseAgent(agents.Config{
		Name:   "portfolio",
		Kind:   "portfolio",
		Store:  store,
		Logger: zerolog.Nop(),
	})
	rec := &positionRecorder{}
	return NewTracker(base, rec), rec
}

func buy(symbol string, qty, price float64) *ledger.Trade {
	return &ledger.Trade{Symbol: symbol, Side: ledger.TradeSideBuy, Quantity: qty, Price: price}
}

func sell(symbol string, qty, price float64) *ledger.Trade {
	return &ledger.Trade{Symbol: symbol, Side: ledger.TradeSideSell, Quantity: qty, Price: price}
}

func TestBuyOpensPosition(t *testing.T) {
	tr, rec := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.ApplyFill(ctx, buy("PLUG", 1000, 2.00)))

	pos, ok := tr.Position("PLUG")
	require.True(t, ok)
	assert.Equal(t, 1000.0, pos.Quantity)
	assert.Equal(t, 2.00, pos.AvgPrice)
	assert.Equal(t, ledger.PositionStatusOpen, pos.Status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.upserts, 1)
}

func TestAveragingUp(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.ApplyFill(ctx, buy("PLUG", 1000, 2.00)))
	require.NoError(t, tr.ApplyFill(ctx, buy("PLUG", 1000, 3.00)))

	pos, ok := tr.Position("PLUG")
	require.True(t, ok)
	assert.Equal(t, 2000.0, pos.Quantity)
	assert.InDelta(t, 2.50, pos.AvgPrice, 1e-9)
}

func TestPartialSellRealizesPnL(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.ApplyFill(ctx, buy("PLUG", 1000, 2.00)))
	require.NoError(t, tr.ApplyFill(ctx, sell("PLUG", 400, 2.50)))

	pos, ok := tr.Position("PLUG")
	require.True(t, ok, "position stays open after partial sell")
	assert.Equal(t, 600.0, pos.Quantity)
	assert.InDelta(t, 200.0, pos.RealizedPnL, 1e-9) // 400 * 0.50

	assert.InDelta(t, 200.0, tr.Summary().Realized, 1e-9)
}

func TestFullSellClosesPosition(t *testing.T) {
	tr, rec := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.ApplyFill(ctx, buy("PLUG", 1000, 2.00)))
	require.NoError(t, tr.ApplyFill(ctx, sell("PLUG", 1000, 1.80)))

	_, ok := tr.Position("PLUG")
	assert.False(t, ok)
	assert.Empty(t, tr.OpenPositions())
	assert.InDelta(t, -200.0, tr.Summary().Realized, 1e-9)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.InDelta(t, -200.0, rec.closes["PLUG"], 1e-9)
}

func TestCloseWritesTradeExecutionMemory(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.ApplyFill(ctx, buy("PLUG", 100, 2.00)))
	require.NoError(t, tr.ApplyFill(ctx, sell("PLUG", 100, 2.20)))

	var found bool
	for _, rec := range tr.Store().Scan(10) {
		if rec.ContentType() == memory.ContentTradeExecution {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSellWithoutPositionRejected(t *testing.T) {
	tr, _ := newTestTracker(t)
	err := tr.ApplyFill(context.Background(), sell("PLUG", 100, 2.00))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no open position")
}

func TestOversellCapsAtPosition(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.ApplyFill(ctx, buy("PLUG", 100, 2.00)))
	require.NoError(t, tr.ApplyFill(ctx, sell("PLUG", 500, 2.50)))

	_, ok := tr.Position("PLUG")
	assert.False(t, ok)
	assert.InDelta(t, 50.0, tr.Summary().Realized, 1e-9) // only 100 shares realized
}

func TestMarkToMarket(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.ApplyFill(ctx, buy("PLUG", 1000, 2.00)))
	require.NoError(t, tr.MarkToMarket(ctx, "PLUG", 2.30))

	pos, ok := tr.Position("PLUG")
	require.True(t, ok)
	assert.Equal(t, 2.30, pos.CurrentPrice)
	assert.InDelta(t, 300.0, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 300.0, tr.Summary().Unrealized, 1e-9)

	// Unknown symbol is a no-op
	require.NoError(t, tr.MarkToMarket(ctx, "GHOST", 1.00))
}

func TestInvalidFills(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	assert.Error(t, tr.ApplyFill(ctx, &ledger.Trade{Symbol: "PLUG", Side: ledger.TradeSideBuy, Quantity: 0, Price: 2}))
	assert.Error(t, tr.ApplyFill(ctx, &ledger.Trade{Symbol: "PLUG", Side: "short", Quantity: 10, Price: 2}))
}
