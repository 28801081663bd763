package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// cacheOpTimeout bounds every Redis call so a slow cache never stalls
// a snapshot fetch.
const cacheOpTimeout = 500 * time.Millisecond

// SnapshotCache is a Redis-backed snapshot cache. A nil cache is valid
// and behaves as a permanent miss.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewSnapshotCache wraps a Redis client. Returns nil when client is
// nil so callers can treat the cache as optional.
func NewSnapshotCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *SnapshotCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &SnapshotCache{client: client, ttl: ttl, log: log}
}

// Get returns a cached snapshot, or nil on miss. Cache errors are
// logged and treated as misses.
func (c *SnapshotCache) Get(ctx context.Context, symbol string) *Snapshot {
	if c == nil || c.client == nil {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	cached, err := c.client.Get(opCtx, c.key(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("Snapshot cache get error, treating as miss")
		}
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(cached), &snap); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to unmarshal cached snapshot")
		return nil
	}
	return &snap
}

// Set stores a snapshot with the configured TTL. Failures are logged;
// the cache is best-effort.
func (c *SnapshotCache) Set(ctx context.Context, snap *Snapshot) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("Failed to marshal snapshot for cache")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(opCtx, c.key(snap.Symbol), data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("Failed to cache snapshot")
	}
}

func (c *SnapshotCache) key(symbol string) string {
	return fmt.Sprintf("snapshot:%s", symbol)
}
