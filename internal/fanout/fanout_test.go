package fanout

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyops/tradefabric/internal/ledger"
	"github.com/pennyops/tradefabric/internal/memory"
)

// fakeRows records ledger writes in memory.
type fakeRows struct {
	mu        sync.Mutex
	signals   []*ledger.Signal
	trades    []*ledger.Trade
	positions []*ledger.Position
}

func (f *fakeRows) InsertSignal(_ context.Context, sig *ledger.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeRows) InsertTrade(_ context.Context, trade *ledger.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, trade)
	return nil
}

func (f *fakeRows) UpsertPosition(_ context.Context, pos *ledger.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, pos)
	return nil
}

// fakeSender records notifications per agent.
type fakeSender struct {
	mu    sync.Mutex
	sends map[string][]any
}

func (f *fakeSender) Send(_ context.Context, agent string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sends == nil {
		f.sends = make(map[string][]any)
	}
	f.sends[agent] = append(f.sends[agent], payload)
	return nil
}

func newTestFanout(t *testing.T) (*Fanout, *memory.Store, *fakeRows, *fakeSender, string) {
	t.Helper()
	store, err := memory.NewStore(memory.StoreConfig{
		Encoder:  memory.NewHashEncoder(32),
		SpillDir: t.TempDir(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	rows := &fakeRows{}
	sender := &fakeSender{}
	dataDir := t.TempDir()
	f := New(store, rows, sender, dataDir, zerolog.Nop())
	return f, store, rows, sender, dataDir
}

func TestImportanceScoring(t *testing.T) {
	tests := []struct {
		name string
		ev   *Event
		min  float64
		max  float64
	}{
		{"signal with confidence", &Event{Class: ClassSignal, Confidence: 0.8, Price: 150}, 0.9, 1.0},
		{"plain status", &Event{Class: ClassStatus}, 0.2, 0.2},
		{"critical error", &Event{Class: ClassError, Severity: SeverityCritical}, 1.0, 1.0},
		{"high error", &Event{Class: ClassError, Severity: SeverityHigh}, 1.0, 1.0},
		{"trade with volume", &Event{Class: ClassTrade, Volume: 2e6, Price: 10}, 1.0, 1.0},
		{"other", &Event{Class: ClassOther}, 0.1, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Importance(tt.ev)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestNormalizeClass(t *testing.T) {
	c, known := NormalizeClass("signal")
	assert.True(t, known)
	assert.Equal(t, ClassSignal, c)

	c, known = NormalizeClass("mystery")
	assert.False(t, known)
	assert.Equal(t, ClassOther, c)
}

func TestInterestedAgentsExcludesSource(t *testing.T) {
	agents := InterestedAgents(&Event{Class: ClassSignal, Source: "strategy"})
	assert.NotContains(t, agents, "strategy")
	assert.Contains(t, agents, "rules")
	assert.Contains(t, agents, "timing")
}

func TestInterestedAgentsCoordinatorEscalation(t *testing.T) {
	// High confidence always reaches the coordinator
	agents := InterestedAgents(&Event{Class: ClassSignal, Source: "strategy", Confidence: 0.9})
	assert.Contains(t, agents, "coordinator")

	// Trades and errors always reach the coordinator
	assert.Contains(t, InterestedAgents(&Event{Class: ClassTrade, Source: "portfolio"}), "coordinator")
	assert.Contains(t, InterestedAgents(&Event{Class: ClassError, Source: "scraper"}), "coordinator")

	// Low-confidence signal does not
	assert.NotContains(t, InterestedAgents(&Event{Class: ClassSignal, Source: "strategy", Confidence: 0.2}), "coordinator")
}

func TestProcessSignalWritesRowMemoryAndNotifies(t *testing.T) {
	f, store, rows, sender, _ := newTestFanout(t)
	ctx := context.Background()

	f.Process(ctx, []*Event{{
		Class:      ClassSignal,
		Source:     "strategy",
		Symbol:     "AAPL",
		Confidence: 0.82,
		Price:      150,
		Volume:     2_000_000,
		Payload:    map[string]any{"signal_type": "momentum", "timeframe": "5m"},
	}})

	require.Len(t, rows.signals, 1)
	assert.Equal(t, "AAPL", rows.signals[0].Symbol)
	assert.Equal(t, "momentum", rows.signals[0].Kind)

	var memorized bool
	for _, rec := range store.Scan(20) {
		if rec.ContentType() == "agent_log_signal" {
			memorized = true
			assert.Equal(t, "agents_out", rec.Source())
		}
	}
	assert.True(t, memorized, "important signal memorized")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.NotEmpty(t, sender.sends["rules"])
	assert.NotEmpty(t, sender.sends["coordinator"], "confidence > 0.7 escalates")
	assert.Empty(t, sender.sends["strategy"], "source never notified")
}

func TestProcessErrorStoresErrorPattern(t *testing.T) {
	f, store, _, _, _ := newTestFanout(t)

	f.Process(context.Background(), []*Event{{
		Class:    ClassError,
		Source:   "scraper",
		Severity: SeverityHigh,
		Payload:  map[string]any{"message": "feed timeout"},
	}})

	var found bool
	for _, rec := range store.Scan(20) {
		if rec.ContentType() == memory.ContentErrorPattern {
			found = true
			assert.Equal(t, SeverityHigh, rec.Metadata["severity"])
		}
	}
	assert.True(t, found)
}

func TestProcessUnknownClassFallsThroughToOther(t *testing.T) {
	f, _, rows, _, _ := newTestFanout(t)

	ev := &Event{Class: Class("mystery"), Source: "someone"}
	f.Process(context.Background(), []*Event{ev})

	assert.Equal(t, ClassOther, ev.Class)
	assert.False(t, ev.ProcessedAt.IsZero())
	assert.Empty(t, rows.signals)
}

func TestBufferedLogsFlush(t *testing.T) {
	f, _, _, _, dataDir := newTestFanout(t)
	ctx := context.Background()

	f.Process(ctx, []*Event{
		{Class: ClassStrategy, Source: "strategy", Symbol: "AAPL"},
		{Class: ClassPerformance, Source: "portfolio"},
		{Class: ClassStatus, Source: "timing"},
	})

	f.FlushAll()

	assertLineCount(t, filepath.Join(dataDir, "Generated_Strategies.jsonl"), 1)
	assertLineCount(t, filepath.Join(dataDir, "Performance_Metrics.jsonl"), 1)
	assertLineCount(t, filepath.Join(dataDir, "Agents.out"), 3)
}

func TestBufferFlushesAtSizeThreshold(t *testing.T) {
	f, _, _, _, dataDir := newTestFanout(t)
	f.flushSize = 2
	ctx := context.Background()

	f.Process(ctx, []*Event{
		{Class: ClassStatus, Source: "a"},
		{Class: ClassStatus, Source: "b"},
	})

	// Agents.out hit the threshold and flushed without an explicit call
	assertLineCount(t, filepath.Join(dataDir, "Agents.out"), 2)
	assert.Equal(t, 0, f.agentsOut.Pending())
}

func TestRunFlusherFlushesOnShutdown(t *testing.T) {
	f, _, _, _, dataDir := newTestFanout(t)

	f.Process(context.Background(), []*Event{{Class: ClassStatus, Source: "a"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.RunFlusher(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	assertLineCount(t, filepath.Join(dataDir, "Agents.out"), 1)
}

func assertLineCount(t *testing.T, path string, want int) {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err, "log file %s", path)
	defer file.Close()

	var count int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		count++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, want, count, "lines in %s", path)
}
