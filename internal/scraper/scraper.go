package scraper

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

const (
	// historyCap bounds per-symbol close history. The longest
	// indicator lookback is MACD's slow period, so 200 bars is
	// generous while keeping memory-pressure trims cheap.
	historyCap = 200

	// minBars before indicator output is trustworthy.
	minBars = 30

	rsiPeriod  = 14
	emaFast    = 9
	emaSlow    = 21
	smaPeriod  = 20
	volLookups = 20
)

// Scraper fetches snapshots through a rate limiter and enriches them
// with indicators computed over the accumulated close history.
type Scraper struct {
	source  Source
	cache   *SnapshotCache
	limiter *rate.Limiter

	mu      sync.Mutex
	closes  map[string][]float64
	volumes map[string][]float64
}

// New creates a scraper. rps bounds upstream fetches per second; the
// cache may be nil.
func New(source Source, cache *SnapshotCache, rps float64) *Scraper {
	if rps <= 0 {
		rps = 5
	}
	return &Scraper{
		source:  source,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(rps), int(math.Ceil(rps))),
		closes:  make(map[string][]float64),
		volumes: make(map[string][]float64),
	}
}

// Snapshot returns one enriched snapshot, from cache when fresh.
func (s *Scraper) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if snap := s.cache.Get(ctx, symbol); snap != nil {
		return snap, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", symbol, err)
	}

	snap, err := s.source.Fetch(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", symbol, err)
	}

	s.record(snap)
	snap.Indicators = s.indicators(symbol)
	s.cache.Set(ctx, snap)
	return snap, nil
}

// Snapshots fetches each symbol in order. A failed symbol is skipped;
// the first error is returned alongside whatever succeeded.
func (s *Scraper) Snapshots(ctx context.Context, symbols []string) ([]*Snapshot, error) {
	var (
		snaps    []*Snapshot
		firstErr error
	)
	for _, symbol := range symbols {
		snap, err := s.Snapshot(ctx, symbol)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, firstErr
}

// TrimHistory halves every symbol's history. The runtime agent calls
// this under memory pressure.
func (s *Scraper) TrimHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, closes := range s.closes {
		if len(closes) > minBars {
			s.closes[symbol] = append([]float64(nil), closes[len(closes)/2:]...)
		}
	}
	for symbol, vols := range s.volumes {
		if len(vols) > minBars {
			s.volumes[symbol] = append([]float64(nil), vols[len(vols)/2:]...)
		}
	}
}

func (s *Scraper) record(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closes := append(s.closes[snap.Symbol], snap.Close)
	if len(closes) > historyCap {
		closes = closes[len(closes)-historyCap:]
	}
	s.closes[snap.Symbol] = closes

	vols := append(s.volumes[snap.Symbol], snap.Volume)
	if len(vols) > historyCap {
		vols = vols[len(vols)-historyCap:]
	}
	s.volumes[snap.Symbol] = vols
}

// indicators computes the standard view over the symbol's history.
// Short histories yield a partial map.
func (s *Scraper) indicators(symbol string) map[string]float64 {
	s.mu.Lock()
	closes := append([]float64(nil), s.closes[symbol]...)
	vols := append([]float64(nil), s.volumes[symbol]...)
	s.mu.Unlock()

	out := make(map[string]float64)
	if len(closes) >= 2 {
		prev := closes[len(closes)-2]
		if prev != 0 {
			out["price_change"] = (closes[len(closes)-1] - prev) / prev
		}
		out["volatility"] = stddevReturns(closes)
	}
	if len(vols) >= volLookups {
		recent := vols[len(vols)-volLookups:]
		var sum float64
		for _, v := range recent {
			sum += v
		}
		if avg := sum / float64(len(recent)); avg > 0 {
			out["volume_ratio"] = vols[len(vols)-1] / avg
		}
	}
	if len(closes) < minBars {
		return out
	}

	if v, ok := last(momentum.NewRsiWithPeriod[float64](rsiPeriod).Compute(channelOf(closes))); ok {
		out["rsi"] = v
	}
	if v, ok := last(trend.NewEmaWithPeriod[float64](emaFast).Compute(channelOf(closes))); ok {
		out["ema_fast"] = v
	}
	if v, ok := last(trend.NewEmaWithPeriod[float64](emaSlow).Compute(channelOf(closes))); ok {
		out["ema_slow"] = v
	}
	if v, ok := last(trend.NewSmaWithPeriod[float64](smaPeriod).Compute(channelOf(closes))); ok {
		out["sma"] = v
	}

	macdLine, signalLine := trend.NewMacdWithPeriod[float64](12, 26, 9).Compute(channelOf(closes))
	// Both channels share one upstream pipeline; drain them concurrently or
	// the unbuffered internals block forever.
	signalDone := make(chan []float64, 1)
	go func() { signalDone <- collect(signalLine) }()
	macdVals := collect(macdLine)
	signalVals := <-signalDone
	if len(macdVals) > 0 {
		out["macd"] = macdVals[len(macdVals)-1]
	}
	if len(signalVals) > 0 {
		out["macd_signal"] = signalVals[len(signalVals)-1]
	}

	return out
}

func channelOf(values []float64) chan float64 {
	c := make(chan float64, len(values))
	for _, v := range values {
		c <- v
	}
	close(c)
	return c
}

func collect(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}

func last(c <-chan float64) (float64, bool) {
	vals := collect(c)
	if len(vals) == 0 {
		return 0, false
	}
	return vals[len(vals)-1], true
}

func stddevReturns(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	var returns []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	if len(returns) == 0 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}
