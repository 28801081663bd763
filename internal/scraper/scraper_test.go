package scraper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/ledger"
	"github.com/pennyops/tradefabric/internal/memory"
)

func TestSimulatorDeterministicPerSymbol(t *testing.T) {
	ctx := context.Background()
	a := NewSimulator()
	b := NewSimulator()

	for i := 0; i < 10; i++ {
		snapA, err := a.Fetch(ctx, "PLUG")
		require.NoError(t, err)
		snapB, err := b.Fetch(ctx, "PLUG")
		require.NoError(t, err)

		assert.Equal(t, snapA.Close, snapB.Close, "step %d", i)
		assert.Equal(t, snapA.Volume, snapB.Volume, "step %d", i)
		assert.Equal(t, SourceSimulation, snapA.DataSource)
	}
}

func TestSimulatorMonotonicTimestamps(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()

	var prev time.Time
	for i := 0; i < 50; i++ {
		snap, err := sim.Fetch(ctx, "SNDL")
		require.NoError(t, err)
		assert.True(t, snap.Timestamp.After(prev), "timestamps must advance")
		prev = snap.Timestamp
	}
}

func TestSimulatorBarsAreConsistent(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()

	for i := 0; i < 20; i++ {
		snap, err := sim.Fetch(ctx, "NOK")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, snap.High, snap.Open)
		assert.GreaterOrEqual(t, snap.High, snap.Close)
		assert.LessOrEqual(t, snap.Low, snap.Open)
		assert.LessOrEqual(t, snap.Low, snap.Close)
		assert.Greater(t, snap.Close, 0.0)
	}
}

func TestScraperComputesIndicatorsAfterWarmup(t *testing.T) {
	ctx := context.Background()
	s := New(NewSimulator(), nil, 1000)

	var snap *Snapshot
	var err error
	for i := 0; i < minBars+5; i++ {
		snap, err = s.Snapshot(ctx, "PLUG")
		require.NoError(t, err)
	}

	assert.Contains(t, snap.Indicators, "rsi")
	assert.Contains(t, snap.Indicators, "ema_fast")
	assert.Contains(t, snap.Indicators, "ema_slow")
	assert.Contains(t, snap.Indicators, "sma")
	assert.Contains(t, snap.Indicators, "volume_ratio")
	assert.Contains(t, snap.Indicators, "volatility")
	assert.Contains(t, snap.Indicators, "price_change")

	rsi := snap.Indicators["rsi"]
	assert.GreaterOrEqual(t, rsi, 0.0)
	assert.LessOrEqual(t, rsi, 100.0)
}

func TestScraperShortHistoryPartialIndicators(t *testing.T) {
	ctx := context.Background()
	s := New(NewSimulator(), nil, 1000)

	var snap *Snapshot
	var err error
	for i := 0; i < 5; i++ {
		snap, err = s.Snapshot(ctx, "PLUG")
		require.NoError(t, err)
	}

	assert.NotContains(t, snap.Indicators, "rsi")
	assert.Contains(t, snap.Indicators, "price_change")
}

func TestSnapshotCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewSnapshotCache(client, 30*time.Second, zerolog.Nop())
	ctx := context.Background()

	assert.Nil(t, cache.Get(ctx, "PLUG"))

	snap := &Snapshot{
		Symbol:     "PLUG",
		Price:      2.15,
		Close:      2.15,
		Volume:     1.5e6,
		DataSource: SourceSimulation,
		Timestamp:  time.Now().UTC(),
	}
	cache.Set(ctx, snap)

	got := cache.Get(ctx, "PLUG")
	require.NotNil(t, got)
	assert.Equal(t, snap.Symbol, got.Symbol)
	assert.Equal(t, snap.Price, got.Price)

	// Expired entries miss
	mr.FastForward(time.Minute)
	assert.Nil(t, cache.Get(ctx, "PLUG"))
}

func TestScraperServesFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewSnapshotCache(client, time.Minute, zerolog.Nop())
	ctx := context.Background()

	s := New(NewSimulator(), cache, 1000)

	first, err := s.Snapshot(ctx, "PLUG")
	require.NoError(t, err)

	// Within TTL the simulator must not advance
	second, err := s.Snapshot(ctx, "PLUG")
	require.NoError(t, err)
	assert.Equal(t, first.Close, second.Close)
	assert.Equal(t, first.Timestamp.Unix(), second.Timestamp.Unix())
}

func TestNilCacheIsAMiss(t *testing.T) {
	var cache *SnapshotCache
	assert.Nil(t, cache.Get(context.Background(), "PLUG"))
	cache.Set(context.Background(), &Snapshot{Symbol: "PLUG"})
}

func TestTrimHistoryHalves(t *testing.T) {
	ctx := context.Background()
	s := New(NewSimulator(), nil, 1000)
	for i := 0; i < 100; i++ {
		_, err := s.Snapshot(ctx, "PLUG")
		require.NoError(t, err)
	}

	s.mu.Lock()
	before := len(s.closes["PLUG"])
	s.mu.Unlock()

	s.TrimHistory()

	s.mu.Lock()
	after := len(s.closes["PLUG"])
	s.mu.Unlock()
	assert.Less(t, after, before)
	assert.GreaterOrEqual(t, after, minBars)
}

// snapshotRecorder captures persisted rows.
type snapshotRecorder struct {
	mu   sync.Mutex
	rows []*ledger.MarketSnapshot
}

func (r *snapshotRecorder) InsertSnapshot(_ context.Context, snap *ledger.MarketSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, snap)
	return nil
}

func TestAgentStepPersistsWatchlist(t *testing.T) {
	store, err := memory.NewStore(memory.StoreConfig{
		Encoder:  memory.NewHashEncoder(32),
		SpillDir: t.TempDir(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	base := agents.NewBaseAgent(agents.Config{
		Name:   "scraper",
		Kind:   "scraper",
		Store:  store,
		Logger: zerolog.Nop(),
	})
	recorder := &snapshotRecorder{}
	agent := NewAgent(base, New(NewSimulator(), nil, 1000), recorder, []string{"PLUG", "SNDL"})

	require.NoError(t, agent.Step(context.Background()))

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.rows, 2)
	assert.Equal(t, "PLUG", recorder.rows[0].Symbol)
	assert.Equal(t, "SNDL", recorder.rows[1].Symbol)
	assert.Equal(t, "simulation", recorder.rows[0].Indicators["data_source"])
}
