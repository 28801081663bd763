package scraper

import (
	"context"
	"fmt"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/ledger"
)

// SnapshotWriter persists market snapshot rows.
type SnapshotWriter interface {
	InsertSnapshot(ctx context.Context, snap *ledger.MarketSnapshot) error
}

// Agent refreshes the watchlist on every step and serves snapshots to
// the coordinator on demand.
type Agent struct {
	*agents.BaseAgent
	scraper   *Scraper
	rows      SnapshotWriter
	watchlist []string
}

// NewAgent wires the scraper into the fabric. rows may be nil when no
// ledger is available, for example in a dry run.
func NewAgent(base *agents.BaseAgent, s *Scraper, rows SnapshotWriter, watchlist []string) *Agent {
	return &Agent{
		BaseAgent: base,
		scraper:   s,
		rows:      rows,
		watchlist: watchlist,
	}
}

// Step refreshes every watchlist symbol and persists the snapshots.
func (a *Agent) Step(ctx context.Context) error {
	snaps, err := a.scraper.Snapshots(ctx, a.watchlist)
	for _, snap := range snaps {
		if insertErr := a.persist(ctx, snap); insertErr != nil && err == nil {
			err = insertErr
		}
	}
	return err
}

// Snapshot returns an enriched snapshot for one symbol, on demand.
func (a *Agent) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return a.scraper.Snapshot(ctx, symbol)
}

// TrimHistory sheds indicator history under memory pressure.
func (a *Agent) TrimHistory() {
	a.scraper.TrimHistory()
}

func (a *Agent) persist(ctx context.Context, snap *Snapshot) error {
	if a.rows == nil {
		return nil
	}
	indicators := make(map[string]any, len(snap.Indicators)+1)
	for k, v := range snap.Indicators {
		indicators[k] = v
	}
	indicators["data_source"] = snap.DataSource

	row := &ledger.MarketSnapshot{
		Symbol:     snap.Symbol,
		Timeframe:  snap.Timeframe,
		Open:       snap.Open,
		High:       snap.High,
		Low:        snap.Low,
		Close:      snap.Close,
		Volume:     snap.Volume,
		Indicators: indicators,
		CreatedAt:  snap.Timestamp,
	}
	if err := a.rows.InsertSnapshot(ctx, row); err != nil {
		return fmt.Errorf("persist snapshot for %s: %w", snap.Symbol, err)
	}
	return nil
}
