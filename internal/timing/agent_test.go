package timing

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/config"
	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/router"
)

func testClock(t *testing.T) *Clock {
	t.Helper()
	clock, err := NewClock(config.TimingConfig{
		PreMarketOpen:  "04:00",
		RegularOpen:    "09:30",
		RegularClose:   "16:00",
		AfterHoursEnd:  "20:00",
		ExchangeTZName: "America/New_York",
	})
	require.NoError(t, err)
	return clock
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	store, err := memory.NewStore(memory.StoreConfig{
		Encoder:  memory.NewHashEncoder(32),
		SpillDir: t.TempDir(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	base := agents.NewBaseAgent(agents.Config{
		Name:   "timing",
		Kind:   "timing",
		Store:  store,
		Logger: zerolog.Nop(),
	})
	return NewAgent(base, testClock(t))
}

func nyTime(t *testing.T, weekday time.Weekday, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 2026-08-17 is a Monday
	base := time.Date(2026, 8, 17, hour, minute, 0, 0, loc)
	return base.AddDate(0, 0, int(weekday-time.Monday))
}

func TestSessionBoundaries(t *testing.T) {
	clock := testClock(t)

	tests := []struct {
		name string
		at   time.Time
		want Session
	}{
		{"early morning", nyTime(t, time.Monday, 3, 59), SessionClosed},
		{"pre market open", nyTime(t, time.Monday, 4, 0), SessionPreMarket},
		{"just before bell", nyTime(t, time.Monday, 9, 29), SessionPreMarket},
		{"opening bell", nyTime(t, time.Monday, 9, 30), SessionRegular},
		{"midday", nyTime(t, time.Wednesday, 12, 0), SessionRegular},
		{"close", nyTime(t, time.Monday, 16, 0), SessionAfterHours},
		{"evening", nyTime(t, time.Monday, 19, 59), SessionAfterHours},
		{"night", nyTime(t, time.Monday, 20, 0), SessionClosed},
		{"saturday noon", nyTime(t, time.Saturday, 12, 0), SessionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clock.SessionAt(tt.at))
		})
	}
}

func TestNextRegularOpenSkipsWeekend(t *testing.T) {
	clock := testClock(t)

	friday := nyTime(t, time.Friday, 17, 0)
	open := clock.NextRegularOpen(friday)
	assert.Equal(t, time.Monday, open.Weekday())
	assert.Equal(t, SessionRegular, clock.SessionAt(open))
}

func TestClockRejectsBadConfig(t *testing.T) {
	_, err := NewClock(config.TimingConfig{
		PreMarketOpen:  "09:30",
		RegularOpen:    "04:00",
		RegularClose:   "16:00",
		AfterHoursEnd:  "20:00",
		ExchangeTZName: "America/New_York",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of order")

	_, err = NewClock(config.TimingConfig{
		PreMarketOpen:  "04:00",
		RegularOpen:    "09:30",
		RegularClose:   "16:00",
		AfterHoursEnd:  "20:00",
		ExchangeTZName: "Neverland/Nowhere",
	})
	assert.Error(t, err)
}

func TestAnalyzeConfidenceClamped(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	analysis, err := a.Analyze(ctx, "PLUG", "momentum")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, analysis.Confidence, 0.1)
	assert.LessOrEqual(t, analysis.Confidence, 0.95)
	assert.Equal(t, "PLUG", analysis.Symbol)
	assert.NotEmpty(t, analysis.Signal)
	assert.NotEmpty(t, analysis.Reasoning)
	assert.True(t, analysis.OptimalExit.After(analysis.OptimalEntry))
}

func TestAnalyzeWithNoHistoryUsesBaseConfidence(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	// All adjustment terms are the 0.5 prior, so confidence equals
	// the session base (or its clamp).
	analysis, err := a.Analyze(ctx, "PLUG", "momentum")
	require.NoError(t, err)

	session := a.clock.SessionAt(time.Now())
	assert.InDelta(t, clamp(baseConfidence("momentum", session), 0.1, 0.95), analysis.Confidence, 1e-9)
}

func TestRecordOutcomeMovesAccuracy(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	entry := nyTime(t, time.Monday, 10, 0)
	exit := entry.Add(2 * time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, a.RecordOutcome(ctx, "PLUG", "momentum", entry, exit, true, 5))
	}
	require.NoError(t, a.RecordOutcome(ctx, "PLUG", "momentum", entry, exit, false, -2))

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, 5, a.strategyAcc["momentum"].total)
	assert.Equal(t, 4, a.strategyAcc["momentum"].successful)
	assert.InDelta(t, 0.8, a.strategyAcc["momentum"].rate(), 1e-9)
	assert.Equal(t, 5, a.sessionAcc[SessionRegular].total)
}

func TestRecordOutcomeUpdatesBaseCounters(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	entry := nyTime(t, time.Monday, 10, 0)
	require.NoError(t, a.RecordOutcome(ctx, "PLUG", "momentum", entry, entry.Add(time.Hour), true, 3))

	p := a.Performance()
	assert.Equal(t, 1, p.DecisionsMade)
	assert.Equal(t, 1, p.Successful)
	assert.InDelta(t, 3.0, p.CumulativePnL, 1e-9)
}

func TestRehydrateRestoresAccuracies(t *testing.T) {
	store, err := memory.NewStore(memory.StoreConfig{
		Encoder:  memory.NewHashEncoder(32),
		SpillDir: t.TempDir(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	first := NewAgent(agents.NewBaseAgent(agents.Config{
		Name: "timing", Kind: "timing", Store: store, Logger: zerolog.Nop(),
	}), testClock(t))
	ctx := context.Background()

	entry := nyTime(t, time.Monday, 10, 0)
	require.NoError(t, first.RecordOutcome(ctx, "PLUG", "momentum", entry, entry.Add(time.Hour), true, 5))
	require.NoError(t, first.RecordOutcome(ctx, "SNDL", "momentum", entry, entry.Add(time.Hour), false, -1))

	// Fresh agent over the same store
	second := NewAgent(agents.NewBaseAgent(agents.Config{
		Name: "timing", Kind: "timing", Store: store, Logger: zerolog.Nop(),
	}), testClock(t))
	require.NoError(t, second.Rehydrate(ctx))

	second.mu.Lock()
	defer second.mu.Unlock()
	assert.Equal(t, 2, second.strategyAcc["momentum"].total)
	assert.Equal(t, 1, second.strategyAcc["momentum"].successful)
}

func TestSignalForClosedSessionHolds(t *testing.T) {
	assert.Equal(t, SignalHold, signalFor(SessionClosed, 0.9))
	assert.Equal(t, SignalStrongBuy, signalFor(SessionRegular, 0.85))
	assert.Equal(t, SignalBuy, signalFor(SessionRegular, 0.65))
	assert.Equal(t, SignalHold, signalFor(SessionRegular, 0.5))
	assert.Equal(t, SignalSell, signalFor(SessionRegular, 0.3))
	assert.Equal(t, SignalStrongSell, signalFor(SessionRegular, 0.2))
}

func TestSimilarAccuracyUsesRoutedOutcomeHistory(t *testing.T) {
	store, err := memory.NewStore(memory.StoreConfig{
		Encoder:  memory.NewHashEncoder(32),
		SpillDir: t.TempDir(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	rtr := router.New(store, nil, zerolog.Nop())

	a := NewAgent(agents.NewBaseAgent(agents.Config{
		Name: "timing", Kind: "timing", Store: store, Router: rtr, Logger: zerolog.Nop(),
	}), testClock(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Store(ctx, "timing outcome for PLUG momentum", map[string]any{
			memory.MetaContentType: string(memory.ContentTimingOutcome),
			memory.MetaSource:      "timing",
			memory.MetaImportance:  0.7,
			"symbol":               "PLUG",
			"strategy":             "momentum",
			"success":              true,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, a.similarAccuracy(ctx, "PLUG", "momentum"))
	assert.Equal(t, 1, rtr.CacheSize(), "lookup went through the router cache")

	var transfer bool
	for _, rec := range store.Scan(50) {
		if rec.ContentType() == memory.ContentDataTransfer {
			transfer = true
			assert.Equal(t, "timing", rec.Metadata["target_agent"])
		}
	}
	assert.True(t, transfer, "routed lookup records the data transfer")
}
