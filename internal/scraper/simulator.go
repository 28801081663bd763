package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Source supplies raw snapshots for one symbol per call.
type Source interface {
	Fetch(ctx context.Context, symbol string) (*Snapshot, error)
}

// Simulator is a deterministic per-symbol random walk. Two simulators
// built from the same symbols produce identical sequences, which keeps
// tests and replays reproducible. Every snapshot is flagged
// data_source=simulation.
type Simulator struct {
	mu    sync.Mutex
	walks map[string]*walk
}

type walk struct {
	rng    *rand.Rand
	price  float64
	lastTS time.Time
}

// NewSimulator creates an empty simulator; walks are seeded lazily on
// first fetch of each symbol.
func NewSimulator() *Simulator {
	return &Simulator{walks: make(map[string]*walk)}
}

// Fetch advances the symbol's walk one step and returns the bar.
func (s *Simulator) Fetch(_ context.Context, symbol string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.walks[symbol]
	if !ok {
		w = newWalk(symbol)
		s.walks[symbol] = w
	}

	open := w.price
	// Penny equities: wide percentage moves, thin book
	drift := w.rng.NormFloat64() * 0.02
	closePrice := open * (1 + drift)
	if closePrice < 0.01 {
		closePrice = 0.01
	}
	high := math.Max(open, closePrice) * (1 + math.Abs(w.rng.NormFloat64())*0.005)
	low := math.Min(open, closePrice) * (1 - math.Abs(w.rng.NormFloat64())*0.005)
	volume := math.Abs(w.rng.NormFloat64()) * 2e6

	w.price = closePrice

	// Monotonic per symbol even when fetched faster than the clock
	ts := time.Now().UTC()
	if !ts.After(w.lastTS) {
		ts = w.lastTS.Add(time.Millisecond)
	}
	w.lastTS = ts

	return &Snapshot{
		Symbol:     symbol,
		Price:      closePrice,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     volume,
		Timeframe:  "5m",
		DataSource: SourceSimulation,
		Timestamp:  ts,
	}, nil
}

// newWalk seeds a walk from the symbol so the sequence is a pure
// function of the symbol name.
func newWalk(symbol string) *walk {
	sum := sha256.Sum256([]byte(symbol))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	// Starting price in the penny range [0.5, 5.5)
	return &walk{
		rng:   rng,
		price: 0.5 + rng.Float64()*5,
	}
}
