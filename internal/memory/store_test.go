package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Encoder:  NewHashEncoder(64),
		SpillDir: t.TempDir(),
		Retention: RetentionPolicy{
			MaxRecords: 1000,
			MaxAge:     30 * 24 * time.Hour,
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return store
}

func TestPackageAssignsIDAndClampsImportance(t *testing.T) {
	store := newTestStore(t)

	rec := store.Package("signal text", store.Encode("signal text"), map[string]any{
		MetaContentType: string(ContentTradingSignal),
		MetaSource:      "strategy",
		MetaImportance:  1.7,
	})

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Len(t, rec.Vector, 64)
	assert.Equal(t, 1.0, rec.Importance())

	rec2 := store.Package("other", nil, map[string]any{MetaImportance: -0.5})
	assert.Equal(t, 0.0, rec2.Importance())
	assert.NotEqual(t, rec.ID, rec2.ID)
}

func TestSaveSpillsAndIndexes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Store(ctx, "momentum fired on AAPL", map[string]any{
		MetaContentType: string(ContentTradingSignal),
		MetaSource:      "strategy",
		MetaImportance:  0.8,
	})
	require.NoError(t, err)

	// Durability point: spill file exists
	_, err = os.Stat(filepath.Join(store.spillDir, rec.ID+".json"))
	require.NoError(t, err)

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Text, got.Text)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryLinearScanOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Same text encodes identically, so the stored record is the best match
	target, err := store.Store(ctx, "breakout on TSLA above 250", map[string]any{
		MetaContentType: string(ContentTradingSignal),
		MetaSource:      "strategy",
		MetaImportance:  0.9,
	})
	require.NoError(t, err)

	for _, text := range []string{"unrelated portfolio note", "runtime load report"} {
		_, err := store.Store(ctx, text, map[string]any{
			MetaContentType: string(ContentStatusUpdate),
			MetaSource:      "runtime",
			MetaImportance:  0.2,
		})
		require.NoError(t, err)
	}

	results, err := store.Query(ctx, "breakout on TSLA above 250", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, target.ID, results[0].ID)
	assert.LessOrEqual(t, len(results), 2)
}

func TestQueryTieBreakByImportanceThenRecency(t *testing.T) {
	store := newTestStore(t)

	vec := store.Encode("query")
	older := store.Package("a", vec, map[string]any{MetaImportance: 0.9})
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := store.Package("b", vec, map[string]any{MetaImportance: 0.9})
	low := store.Package("c", vec, map[string]any{MetaImportance: 0.1})

	ctx := context.Background()
	for _, rec := range []*Record{low, older, newer} {
		_, err := store.Save(ctx, rec)
		require.NoError(t, err)
	}

	results := store.linearScan(vec, 3)
	require.Len(t, results, 3)
	assert.Equal(t, newer.ID, results[0].ID)
	assert.Equal(t, older.ID, results[1].ID)
	assert.Equal(t, low.ID, results[2].ID)
}

func TestScanRecencyOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Store(ctx, "first", nil)
	require.NoError(t, err)
	second, err := store.Store(ctx, "second", nil)
	require.NoError(t, err)

	records := store.Scan(10)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, first.ID, records[1].ID)

	assert.Len(t, store.Scan(1), 1)
}

func TestRebuildFromSpill(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store1, err := NewStore(StoreConfig{
		Encoder:  NewHashEncoder(32),
		SpillDir: dir,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	rec, err := store1.Store(ctx, "persisted across restart", map[string]any{
		MetaContentType: string(ContentLearningExperience),
		MetaSource:      "timing",
		MetaImportance:  0.6,
	})
	require.NoError(t, err)

	store2, err := NewStore(StoreConfig{
		Encoder:  NewHashEncoder(32),
		SpillDir: dir,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	count, err := store2.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store2.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted across restart", got.Text)
	assert.Equal(t, ContentLearningExperience, got.ContentType())
}

func TestCompactEvictsLowImportanceFirst(t *testing.T) {
	store := newTestStore(t)
	store.retention = RetentionPolicy{MaxRecords: 2}
	ctx := context.Background()

	vec := store.Encode("x")
	low := store.Package("low", vec, map[string]any{MetaImportance: 0.1})
	low.CreatedAt = time.Now().Add(-2 * time.Hour)
	mid := store.Package("mid", vec, map[string]any{MetaImportance: 0.5})
	mid.CreatedAt = time.Now().Add(-2 * time.Hour)
	high := store.Package("high", vec, map[string]any{MetaImportance: 0.9})
	high.CreatedAt = time.Now().Add(-2 * time.Hour)

	for _, rec := range []*Record{low, mid, high} {
		_, err := store.Save(ctx, rec)
		require.NoError(t, err)
	}

	evicted := store.Compact(ctx)
	assert.Equal(t, 1, evicted)

	_, err := store.Get(low.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(high.ID)
	assert.NoError(t, err)

	// Spill file removed with the record
	_, statErr := os.Stat(filepath.Join(store.spillDir, low.ID+".json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCompactRespectsMinAge(t *testing.T) {
	store := newTestStore(t)
	store.retention = RetentionPolicy{MaxRecords: 1, MinAge: time.Hour}
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		_, err := store.Store(ctx, text, map[string]any{MetaImportance: 0.1})
		require.NoError(t, err)
	}

	// All records are younger than the minimum age
	assert.Equal(t, 0, store.Compact(ctx))
	assert.Equal(t, 3, store.Count())
}

func TestCompactEvictsExpired(t *testing.T) {
	store := newTestStore(t)
	store.retention = RetentionPolicy{MaxAge: time.Hour}
	ctx := context.Background()

	expired := store.Package("stale", store.Encode("stale"), map[string]any{MetaImportance: 0.9})
	expired.CreatedAt = time.Now().Add(-2 * time.Hour)
	_, err := store.Save(ctx, expired)
	require.NoError(t, err)

	fresh, err := store.Store(ctx, "fresh", map[string]any{MetaImportance: 0.1})
	require.NoError(t, err)

	assert.Equal(t, 1, store.Compact(ctx))
	_, err = store.Get(expired.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestSaveDegradesWhenSpillUnwritable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.RemoveAll(store.spillDir))

	rec := store.Package("doomed", store.Encode("doomed"), nil)
	_, err := store.Save(ctx, rec)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	// Record still readable from the in-process index
	got, getErr := store.Get(rec.ID)
	require.NoError(t, getErr)
	assert.Equal(t, "doomed", got.Text)

	assert.Contains(t, store.Degraded(), "memory_store")
}

func TestDegradationRecordedOncePerTransition(t *testing.T) {
	store := newTestStore(t)

	store.markDegraded("vector_backend", "test")
	store.markDegraded("vector_backend", "test again")

	var count int
	for _, rec := range store.Scan(100) {
		if rec.ContentType() == ContentSystemMetrics {
			count++
		}
	}
	assert.Equal(t, 1, count, "one system_metrics record per transition")

	store.clearDegraded("vector_backend")
	assert.Empty(t, store.Degraded())

	store.markDegraded("vector_backend", "again")
	count = 0
	for _, rec := range store.Scan(100) {
		if rec.ContentType() == ContentSystemMetrics {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestHashEncoderFlagsDegradationOnFirstUse(t *testing.T) {
	store := newTestStore(t)

	store.Encode("anything")
	assert.Contains(t, store.Degraded(), "encoder")
}
