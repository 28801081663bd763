// Package router translates an agent's "what do I know about this
// situation" request into a filtered, ranked memory slice, and carries
// targeted payloads to agent inboxes over the bus.
package router

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pennyops/tradefabric/internal/bus"
	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/metrics"
)

const (
	retrieveLimit = 10
	cacheCap      = 100
	cacheEvictTo  = 50

	// Context fields folded into the query string, in this order.
	// Anything else in the context map is ignored for query purposes.
	importanceFloor = 0.7
)

var queryFields = []string{"symbol", "signal_type", "timeframe", "strategy", "market_regime"}

// Router is the shared retrieval and delivery surface. One router is
// constructed at startup and handed to every agent, so the cache is
// guarded by a mutex. Memory is append-only; a stale hit merely
// under-weights very recent records.
type Router struct {
	store *memory.Store
	bus   *bus.Bus
	log   zerolog.Logger
	m     *metrics.FabricMetrics

	mu    sync.Mutex
	cache map[string]*list.Element
	lru   *list.List // front = most recently used
}

type cacheEntry struct {
	key     string
	records []*memory.Record
}

// New creates a router over the memory store and bus.
func New(store *memory.Store, b *bus.Bus, log zerolog.Logger) *Router {
	return &Router{
		store: store,
		bus:   b,
		log:   log.With().Str("component", "input_router").Logger(),
		m:     metrics.Fabric(),
		cache: make(map[string]*list.Element),
		lru:   list.New(),
	}
}

// Retrieve returns up to ten memory records relevant to the agent's
// situation: records the agent itself emitted, records whose content
// type overlaps the query type, and anything of high importance.
//
// Safe for concurrent use by all agents sharing the router. Callers
// must treat the returned slice as read-only.
func (r *Router) Retrieve(ctx context.Context, agent, queryType string, qctx map[string]any) ([]*memory.Record, error) {
	r.m.RouterRetrievals.Inc()

	key := cacheKey(agent, queryType, qctx)
	r.mu.Lock()
	if elem, ok := r.cache[key]; ok {
		records := elem.Value.(*cacheEntry).records
		r.lru.MoveToFront(elem)
		r.mu.Unlock()
		r.m.RouterCacheHits.Inc()
		return records, nil
	}
	r.mu.Unlock()

	query := composeQuery(agent, queryType, qctx)
	candidates, err := r.store.Query(ctx, query, retrieveLimit)
	if err != nil {
		return nil, fmt.Errorf("memory query for %s failed: %w", agent, err)
	}

	records := filterRelevant(candidates, agent, queryType)
	sort.Slice(records, func(i, j int) bool {
		ii, ij := records[i].Importance(), records[j].Importance()
		if ii != ij {
			return ii > ij
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > retrieveLimit {
		records = records[:retrieveLimit]
	}

	r.cachePut(key, records)

	if _, err := r.store.Store(ctx,
		fmt.Sprintf("Delivered %d memories to %s for %s query", len(records), agent, queryType),
		map[string]any{
			memory.MetaContentType: string(memory.ContentDataTransfer),
			memory.MetaSource:      "input_router",
			memory.MetaImportance:  0.2,
			"target_agent":         agent,
			"memory_count":         len(records),
			"query_type":           queryType,
		},
	); err != nil {
		r.log.Warn().Err(err).Str("agent", agent).Msg("Failed to record data transfer")
	}

	return records, nil
}

// Send queues a payload for the target agent's inbox. Success means
// queued, not delivered.
func (r *Router) Send(ctx context.Context, agent string, payload any) error {
	msg, err := bus.NewMessage("input_router", agent, bus.TopicInbox, payload)
	if err != nil {
		return err
	}
	if err := r.bus.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to queue payload for %s: %w", agent, err)
	}
	return nil
}

// CacheSize returns the number of cached retrievals.
func (r *Router) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *Router) cachePut(key string, records []*memory.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.cache[key]; ok {
		elem.Value.(*cacheEntry).records = records
		r.lru.MoveToFront(elem)
		return
	}
	r.cache[key] = r.lru.PushFront(&cacheEntry{key: key, records: records})

	if len(r.cache) > cacheCap {
		for len(r.cache) > cacheEvictTo {
			oldest := r.lru.Back()
			if oldest == nil {
				break
			}
			r.lru.Remove(oldest)
			delete(r.cache, oldest.Value.(*cacheEntry).key)
		}
		r.log.Debug().Int("size", len(r.cache)).Msg("Retrieval cache compacted")
	}
}

// composeQuery concatenates agent, query type and the salient context
// fields in a fixed order so identical situations hash identically.
func composeQuery(agent, queryType string, qctx map[string]any) string {
	parts := []string{agent, queryType}
	for _, field := range queryFields {
		if v, ok := qctx[field]; ok {
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	return strings.Join(parts, " ")
}

func cacheKey(agent, queryType string, qctx map[string]any) string {
	keys := make([]string, 0, len(qctx))
	for k := range qctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, qctx[k])
	}
	return fmt.Sprintf("%s|%s|%x", agent, queryType, h.Sum64())
}

// filterRelevant keeps records the agent emitted, records whose content
// type overlaps the query type, and high-importance records.
func filterRelevant(candidates []*memory.Record, agent, queryType string) []*memory.Record {
	var kept []*memory.Record
	for _, rec := range candidates {
		ct := string(rec.ContentType())
		switch {
		case rec.Source() == agent:
			kept = append(kept, rec)
		case ct != "" && (strings.Contains(queryType, ct) || strings.Contains(ct, queryType)):
			kept = append(kept, rec)
		case rec.Importance() >= importanceFloor:
			kept = append(kept, rec)
		}
	}
	return kept
}
