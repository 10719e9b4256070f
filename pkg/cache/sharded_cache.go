package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"small-dns/pkg/config"
	"small-dns/pkg/logging"
	"small-dns/pkg/telemetry"

	"github.com/miekg/dns"
)

var (
	// ErrInvalidConfig is returned when cache configuration is invalid
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// ShardedCache is a thread-safe DNS response cache split into shards, each with
// its own lock. Entries expire lazily: an expired entry stays in its shard and
// reads as a miss until the next Store for the same key overwrites it.
// There is no size bound; the key space is bounded by the names clients ask for.
type ShardedCache struct {
	shards  []*cacheShard
	ttl     time.Duration
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[Key]*cacheEntry
	stats   cacheStats
}

type cacheEntry struct {
	msg     *dns.Msg
	expires time.Time
}

type cacheStats struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits    uint64
	Misses  uint64
	Sets    uint64
	Entries int
	HitRate float64 // hits / (hits + misses)
}

// NewSharded creates a sharded cache from configuration.
func NewSharded(cfg *config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*ShardedCache, error) {
	if cfg == nil || cfg.TTL <= 0 || cfg.Shards <= 0 {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	sc := &ShardedCache{
		shards:  make([]*cacheShard, cfg.Shards),
		ttl:     cfg.TTL,
		logger:  logger,
		metrics: metrics,
	}
	for i := range sc.shards {
		sc.shards[i] = &cacheShard{entries: make(map[Key]*cacheEntry)}
	}

	logger.Info("DNS cache initialized", "shards", cfg.Shards, "ttl", cfg.TTL)
	return sc, nil
}

func (sc *ShardedCache) shard(key Key) *cacheShard {
	return sc.shards[key.hash()%uint64(len(sc.shards))]
}

// Lookup returns a copy of the entry for key when one exists and expires after now.
func (sc *ShardedCache) Lookup(ctx context.Context, key Key, now time.Time) (*dns.Msg, bool) {
	shard := sc.shard(key)

	shard.mu.RLock()
	entry, found := shard.entries[key]
	var msg *dns.Msg
	if found && entry.expires.After(now) {
		msg = entry.msg.Copy()
	}
	shard.mu.RUnlock()

	if msg == nil {
		shard.stats.misses.Add(1)
		if sc.metrics != nil && sc.metrics.CacheMisses != nil {
			sc.metrics.CacheMisses.Add(ctx, 1)
		}
		return nil, false
	}

	shard.stats.hits.Add(1)
	if sc.metrics != nil && sc.metrics.CacheHits != nil {
		sc.metrics.CacheHits.Add(ctx, 1)
	}
	return msg, true
}

// Store saves a copy of resp under key, overwriting any previous entry.
func (sc *ShardedCache) Store(ctx context.Context, key Key, resp *dns.Msg, now time.Time) {
	if resp == nil {
		return
	}
	entry := &cacheEntry{
		msg:     resp.Copy(),
		expires: now.Add(sc.ttl),
	}

	shard := sc.shard(key)
	shard.mu.Lock()
	_, exists := shard.entries[key]
	shard.entries[key] = entry
	shard.stats.sets.Add(1)
	shard.mu.Unlock()

	if !exists && sc.metrics != nil && sc.metrics.CacheSize != nil {
		sc.metrics.CacheSize.Add(ctx, 1)
	}
}

// Expires reports the expiry time of the entry stored for key, if any.
func (sc *ShardedCache) Expires(key Key) (time.Time, bool) {
	shard := sc.shard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, ok := shard.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return entry.expires, true
}

// Stats returns aggregated cache statistics across all shards.
func (sc *ShardedCache) Stats() Stats {
	var aggregated Stats

	for _, shard := range sc.shards {
		shard.mu.RLock()
		aggregated.Hits += shard.stats.hits.Load()
		aggregated.Misses += shard.stats.misses.Load()
		aggregated.Sets += shard.stats.sets.Load()
		aggregated.Entries += len(shard.entries)
		shard.mu.RUnlock()
	}

	if total := aggregated.Hits + aggregated.Misses; total > 0 {
		aggregated.HitRate = float64(aggregated.Hits) / float64(total)
	}

	return aggregated
}

// Clear removes all entries from all shards.
func (sc *ShardedCache) Clear() {
	removed := 0
	for _, shard := range sc.shards {
		shard.mu.Lock()
		removed += len(shard.entries)
		shard.entries = make(map[Key]*cacheEntry)
		shard.mu.Unlock()
	}

	if removed > 0 && sc.metrics != nil && sc.metrics.CacheSize != nil {
		sc.metrics.CacheSize.Add(context.Background(), int64(-removed))
	}
	sc.logger.Info("DNS cache cleared", "removed", removed)
}
