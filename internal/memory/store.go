package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pennyops/tradefabric/internal/metrics"
)

// Bookkeeper mirrors stored records into the structured ledger's
// embedding bookkeeping table. The interface keeps this package from
// depending on the ledger.
type Bookkeeper interface {
	RecordEmbedding(ctx context.Context, id, contentHash string, contentType ContentType, source string, importance float64) error
}

// RetentionPolicy controls the background compactor.
type RetentionPolicy struct {
	MaxRecords int
	MaxAge     time.Duration
	MinAge     time.Duration
	Interval   time.Duration
}

// StoreConfig configures a Store. Backend and Bookkeeper are optional;
// without a backend the store runs on the in-process index and spill
// alone (the "local" mode).
type StoreConfig struct {
	Encoder    Encoder
	Backend    Backend
	Bookkeeper Bookkeeper
	SpillDir   string
	Retention  RetentionPolicy
	Logger     zerolog.Logger
}

// Store is the shared associative memory. Three tiers: an in-process
// index for hot access, the durable vector backend for similarity
// search, and per-record JSON spill for cold recovery. A write is
// acknowledged once the spill succeeds; index and backend are caches
// rebuilt from spill on restart.
type Store struct {
	encoder    Encoder
	backend    Backend
	bookkeeper Bookkeeper
	spillDir   string
	retention  RetentionPolicy
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
	metrics    *metrics.FabricMetrics

	mu       sync.RWMutex
	index    map[string]*Record
	order    []string // insertion order, oldest first
	degraded map[string]bool
}

// NewStore creates a memory store and ensures the spill directory exists.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("memory store requires an encoder")
	}
	if cfg.SpillDir == "" {
		return nil, fmt.Errorf("memory store requires a spill directory")
	}
	if err := os.MkdirAll(cfg.SpillDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	s := &Store{
		encoder:    cfg.Encoder,
		backend:    cfg.Backend,
		bookkeeper: cfg.Bookkeeper,
		spillDir:   cfg.SpillDir,
		retention:  cfg.Retention,
		log:        cfg.Logger.With().Str("component", "memory_store").Logger(),
		metrics:    metrics.Fabric(),
		index:      make(map[string]*Record),
		degraded:   make(map[string]bool),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memory_backend",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				s.markDegraded("vector_backend", "circuit breaker opened")
			case gobreaker.StateClosed:
				s.clearDegraded("vector_backend")
			}
		},
	})

	return s, nil
}

// Encode produces the vector for a text via the configured encoder.
// The first use of the hash fallback flags encoder degradation.
func (s *Store) Encode(text string) []float32 {
	if _, fallback := s.encoder.(*HashEncoder); fallback {
		s.markDegraded("encoder", "hash fallback encoder in use")
	}
	return s.encoder.Encode(text)
}

// Dimension returns the configured embedding dimension.
func (s *Store) Dimension() int {
	return s.encoder.Dimension()
}

// Package assembles a record: assigns an id, stamps created_at, clamps
// the importance score. The record is not yet stored.
func (s *Store) Package(text string, vector []float32, metadata map[string]any) *Record {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	now := time.Now()
	if v, ok := metadata[MetaImportance]; ok {
		switch n := v.(type) {
		case float64:
			metadata[MetaImportance] = clamp01(n)
		case float32:
			metadata[MetaImportance] = clamp01(float64(n))
		case int:
			metadata[MetaImportance] = clamp01(float64(n))
		}
	}
	metadata[MetaCreatedAt] = now.Format(time.RFC3339Nano)

	return &Record{
		ID:        uuid.NewString(),
		Text:      text,
		Vector:    vector,
		Metadata:  metadata,
		CreatedAt: now,
	}
}

// Save persists a record. The spill write is the durability point; the
// vector backend is best-effort behind the circuit breaker. Save
// returns ErrStorageUnavailable only when both spill and backend
// refuse the write; the record stays in the in-process index either
// way so readers see it immediately.
func (s *Store) Save(ctx context.Context, rec *Record) (*Record, error) {
	spillErr := s.spill(rec)

	var backendErr error
	if s.backend != nil {
		_, backendErr = s.breaker.Execute(func() (interface{}, error) {
			return nil, s.backend.Insert(ctx, rec)
		})
		if backendErr != nil {
			s.log.Debug().Err(backendErr).Str("id", rec.ID).Msg("Vector backend write failed")
		}
	}

	s.mu.Lock()
	if _, exists := s.index[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.index[rec.ID] = rec
	s.mu.Unlock()

	if spillErr != nil && (s.backend == nil || backendErr != nil) {
		s.markDegraded("memory_store", "spill and vector backend both unwritable")
		return rec, fmt.Errorf("%w: %v", ErrStorageUnavailable, spillErr)
	}
	if spillErr != nil {
		s.markDegraded("local_spill", "spill directory unwritable")
	}

	if s.bookkeeper != nil {
		if err := s.bookkeeper.RecordEmbedding(ctx, rec.ID, rec.ContentHash(), rec.ContentType(), rec.Source(), rec.Importance()); err != nil {
			s.log.Warn().Err(err).Str("id", rec.ID).Msg("Embedding bookkeeping write failed")
		}
	}

	s.metrics.MemoryRecordsStored.Inc()

	s.log.Debug().
		Str("id", rec.ID).
		Str("content_type", string(rec.ContentType())).
		Str("source", rec.Source()).
		Msg("Stored memory record")

	return rec, nil
}

// Store packages and saves in one step.
func (s *Store) Store(ctx context.Context, text string, metadata map[string]any) (*Record, error) {
	rec := s.Package(text, s.Encode(text), metadata)
	return s.Save(ctx, rec)
}

// Query returns up to k records ordered by descending cosine similarity
// to the encoded text, ties broken by importance then recency. When the
// vector backend is unavailable the query falls back to a linear scan
// over the in-process index with the same ordering contract.
func (s *Store) Query(ctx context.Context, text string, k int) ([]*Record, error) {
	if k <= 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		s.metrics.MemoryQueryDuration.Observe(time.Since(start).Seconds())
	}()
	s.metrics.MemoryQueriesTotal.Inc()

	vector := s.Encode(text)

	if s.backend != nil {
		result, err := s.breaker.Execute(func() (interface{}, error) {
			return s.backend.Search(ctx, vector, k)
		})
		if err == nil {
			return result.([]*Record), nil
		}
		s.log.Debug().Err(err).Msg("Vector backend query failed, falling back to linear scan")
	}

	return s.linearScan(vector, k), nil
}

// linearScan ranks the in-process index by cosine similarity.
func (s *Store) linearScan(vector []float32, k int) []*Record {
	s.mu.RLock()
	type scored struct {
		rec *Record
		sim float64
	}
	candidates := make([]scored, 0, len(s.index))
	for _, rec := range s.index {
		candidates = append(candidates, scored{rec: rec, sim: CosineSimilarity(vector, rec.Vector)})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		ii, ij := candidates[i].rec.Importance(), candidates[j].rec.Importance()
		if ii != ij {
			return ii > ij
		}
		return candidates[i].rec.CreatedAt.After(candidates[j].rec.CreatedAt)
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	records := make([]*Record, len(candidates))
	for i, c := range candidates {
		records[i] = c.rec
	}
	return records
}

// Scan returns up to limit records in recency order, newest first.
func (s *Store) Scan(limit int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(records) < limit; i-- {
		if rec, ok := s.index[s.order[i]]; ok {
			records = append(records, rec)
		}
	}
	return records
}

// Get returns the record with the given id from the in-process index.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Count returns the size of the in-process index.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Rebuild loads all spilled records back into the in-process index and
// re-seeds the vector backend. Called once at startup.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.spillDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read spill directory: %w", err)
	}

	var loaded []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.spillDir, entry.Name()))
		if err != nil {
			s.log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable spill file")
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping corrupt spill file")
			continue
		}
		loaded = append(loaded, &rec)
	}

	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	s.mu.Lock()
	for _, rec := range loaded {
		if _, exists := s.index[rec.ID]; !exists {
			s.order = append(s.order, rec.ID)
		}
		s.index[rec.ID] = rec
	}
	s.mu.Unlock()

	if s.backend != nil {
		for _, rec := range loaded {
			if _, err := s.breaker.Execute(func() (interface{}, error) {
				return nil, s.backend.Insert(ctx, rec)
			}); err != nil {
				s.log.Debug().Err(err).Msg("Backend re-seed interrupted")
				break
			}
		}
	}

	s.log.Info().Int("count", len(loaded)).Msg("Rebuilt memory index from spill")
	return len(loaded), nil
}

// RunCompactor enforces the retention policy until the context is
// cancelled. Eviction favors lowest importance, then oldest creation
// time, and never removes records younger than the minimum age.
func (s *Store) RunCompactor(ctx context.Context) {
	interval := s.retention.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Compact(ctx); n > 0 {
				s.log.Info().Int("evicted", n).Msg("Memory compaction complete")
			}
		}
	}
}

// Compact runs one retention pass and returns the eviction count.
func (s *Store) Compact(ctx context.Context) int {
	now := time.Now()

	s.mu.RLock()
	var candidates []*Record
	for _, rec := range s.index {
		if s.retention.MinAge > 0 && now.Sub(rec.CreatedAt) < s.retention.MinAge {
			continue
		}
		candidates = append(candidates, rec)
	}
	total := len(s.index)
	s.mu.RUnlock()

	var evict []*Record
	if s.retention.MaxAge > 0 {
		for _, rec := range candidates {
			if now.Sub(rec.CreatedAt) > s.retention.MaxAge {
				evict = append(evict, rec)
			}
		}
	}

	if s.retention.MaxRecords > 0 && total-len(evict) > s.retention.MaxRecords {
		evicting := make(map[string]bool, len(evict))
		for _, rec := range evict {
			evicting[rec.ID] = true
		}
		var overflow []*Record
		for _, rec := range candidates {
			if !evicting[rec.ID] {
				overflow = append(overflow, rec)
			}
		}
		sort.Slice(overflow, func(i, j int) bool {
			ii, ij := overflow[i].Importance(), overflow[j].Importance()
			if ii != ij {
				return ii < ij
			}
			return overflow[i].CreatedAt.Before(overflow[j].CreatedAt)
		})
		excess := total - len(evict) - s.retention.MaxRecords
		if excess > len(overflow) {
			excess = len(overflow)
		}
		evict = append(evict, overflow[:excess]...)
	}

	for _, rec := range evict {
		s.remove(ctx, rec.ID)
	}
	if len(evict) > 0 {
		s.metrics.MemoryRecordsEvicted.Add(float64(len(evict)))
	}
	return len(evict)
}

// remove deletes a record from all three tiers.
func (s *Store) remove(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.index, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := os.Remove(s.spillPath(id)); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("id", id).Msg("Failed to remove spill file")
	}
	if s.backend != nil {
		if _, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.backend.Delete(ctx, id)
		}); err != nil {
			s.log.Debug().Err(err).Str("id", id).Msg("Backend delete failed")
		}
	}
}

// Degraded returns the sorted list of degraded subsystems, empty when
// everything is healthy. Surfaced through the health summary.
func (s *Store) Degraded() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name, on := range s.degraded {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// markDegraded records a transition into degraded mode. Exactly one
// system_metrics record is written per transition, not per occurrence.
func (s *Store) markDegraded(subsystem, detail string) {
	s.mu.Lock()
	if s.degraded[subsystem] {
		s.mu.Unlock()
		return
	}
	s.degraded[subsystem] = true
	s.mu.Unlock()

	s.metrics.MemoryDegradedEvents.Inc()
	s.log.Warn().Str("subsystem", subsystem).Str("detail", detail).Msg("Memory subsystem degraded")

	rec := s.Package(
		fmt.Sprintf("Subsystem %s entered degraded mode: %s", subsystem, detail),
		s.encoder.Encode(subsystem+" degraded"),
		map[string]any{
			MetaContentType: string(ContentSystemMetrics),
			MetaSource:      "memory_store",
			MetaImportance:  0.8,
			"event":         "degradation",
			"subsystem":     subsystem,
		},
	)

	// Written directly to spill and index; going through Save could
	// recurse into the same degradation path.
	if err := s.spill(rec); err != nil {
		s.log.Warn().Err(err).Msg("Failed to spill degradation record")
	}
	s.mu.Lock()
	s.index[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.mu.Unlock()
}

// clearDegraded marks a subsystem healthy again.
func (s *Store) clearDegraded(subsystem string) {
	s.mu.Lock()
	changed := s.degraded[subsystem]
	delete(s.degraded, subsystem)
	s.mu.Unlock()
	if changed {
		s.log.Info().Str("subsystem", subsystem).Msg("Memory subsystem recovered")
	}
}

func (s *Store) spill(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := os.WriteFile(s.spillPath(rec.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write spill file: %w", err)
	}
	return nil
}

func (s *Store) spillPath(id string) string {
	return filepath.Join(s.spillDir, id+".json")
}
