package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Backend is the durable vector index tier. Implementations must order
// Search results by ascending cosine distance, breaking ties by
// importance then recency.
type Backend interface {
	Insert(ctx context.Context, rec *Record) error
	Search(ctx context.Context, vector []float32, k int) ([]*Record, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// PgBackend stores records in the memory_records pgvector table.
type PgBackend struct {
	pool      *pgxpool.Pool
	dimension int
}

// NewPgBackend creates a pgvector-backed index over the given pool.
func NewPgBackend(pool *pgxpool.Pool, dimension int) *PgBackend {
	return &PgBackend{pool: pool, dimension: dimension}
}

// Insert writes or refreshes a record row.
func (b *PgBackend) Insert(ctx context.Context, rec *Record) error {
	if len(rec.Vector) != b.dimension {
		return fmt.Errorf("vector must be %d dimensions, got %d", b.dimension, len(rec.Vector))
	}

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal record metadata: %w", err)
	}

	query := `
		INSERT INTO memory_records (id, text, embedding, metadata, importance, content_type, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			metadata = EXCLUDED.metadata,
			importance = EXCLUDED.importance
	`

	_, err = b.pool.Exec(
		ctx,
		query,
		rec.ID,
		rec.Text,
		pgvector.NewVector(rec.Vector),
		meta,
		rec.Importance(),
		string(rec.ContentType()),
		rec.Source(),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory record: %w", err)
	}
	return nil
}

// Search returns up to k records ordered by ascending cosine distance,
// ties broken by importance then recency.
func (b *PgBackend) Search(ctx context.Context, vector []float32, k int) ([]*Record, error) {
	if len(vector) != b.dimension {
		return nil, fmt.Errorf("vector must be %d dimensions, got %d", b.dimension, len(vector))
	}

	query := `
		SELECT id, text, embedding, metadata, created_at
		FROM memory_records
		ORDER BY embedding <=> $1, importance DESC, created_at DESC
		LIMIT $2
	`

	rows, err := b.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			rec       Record
			embedding pgvector.Vector
			meta      []byte
			createdAt time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Text, &embedding, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory record: %w", err)
		}
		rec.Vector = embedding.Slice()
		rec.CreatedAt = createdAt
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record metadata: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// Delete removes a record row.
func (b *PgBackend) Delete(ctx context.Context, id string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM memory_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory record: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (b *PgBackend) Count(ctx context.Context) (int, error) {
	var count int
	if err := b.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count memory records: %w", err)
	}
	return count, nil
}
