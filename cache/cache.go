// Package cache is the Result Cache (spec C6): a fingerprint-keyed,
// bounded, TTL-expiring store of query result payloads. Adapted from the
// gateway's semantic response cache, normalised to the fingerprint-exact
// variant — there is no embedding/cosine-similarity lookup on the hot
// path here; similarity search over past queries is a Query Manager
// concern (FindSimilar), not a cache concern.
package cache

import (
	"context"
	"crypto/sha256"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/observability"
)

// Config holds Result Cache tuning parameters (spec §6 cache.*).
type Config struct {
	MaxEntries      int
	TTL             time.Duration
	EvictionFraction float64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      1000,
		TTL:             time.Hour,
		EvictionFraction: 0.10,
	}
}

// Stats reports cache hit/miss/eviction counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int64
	HitRate   float64
}

// Engine is the in-process Result Cache. With a Redis client, Put also
// writes an empty marker key per fingerprint; the payload is not stored in
// Redis and Get reads only the in-process map, so cached results are not
// shared across processes. Redis failures are logged and never surface to
// the caller — writes are always best-effort.
type Engine struct {
	mu     sync.RWMutex
	logger zerolog.Logger
	config Config
	redis  *redis.Client // may be nil

	entries map[domain.Fingerprint]*domain.CacheEntry

	hits      int64
	misses    int64
	evictions int64
}

// NewEngine creates a Result Cache. redisClient may be nil to run
// in-process only.
func NewEngine(logger zerolog.Logger, redisClient *redis.Client, cfg ...Config) *Engine {
	c := DefaultConfig()
	if len(cfg) > 0 {
		c = cfg[0]
	}
	return &Engine{
		logger:  logger.With().Str("component", "result_cache").Logger(),
		config:  c,
		redis:   redisClient,
		entries: make(map[domain.Fingerprint]*domain.CacheEntry),
	}
}

// Fingerprint computes the 256-bit content hash of spec §3:
// sha256(tenant + "\x00" + data_source_id + "\x00" + normalised text).
func Fingerprint(tenant domain.Tenant, dataSourceID, naturalLanguage string) domain.Fingerprint {
	normalised := strings.Join(strings.Fields(strings.ToLower(naturalLanguage)), " ")
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(dataSourceID))
	h.Write([]byte{0})
	h.Write([]byte(normalised))
	var fp domain.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Get returns a non-expired entry for fingerprint, or (nil, false).
// Expired entries are lazily removed.
func (e *Engine) Get(ctx context.Context, fp domain.Fingerprint) (*domain.CacheEntry, bool) {
	e.mu.RLock()
	entry, ok := e.entries[fp]
	e.mu.RUnlock()

	if !ok {
		atomic.AddInt64(&e.misses, 1)
		observability.RecordCacheResult(false)
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		e.mu.Lock()
		delete(e.entries, fp)
		e.mu.Unlock()
		atomic.AddInt64(&e.misses, 1)
		observability.RecordCacheResult(false)
		return nil, false
	}
	atomic.AddInt64(&e.hits, 1)
	observability.RecordCacheResult(true)
	return entry, true
}

// Put inserts or replaces a cache entry, evicting the oldest 10% first if
// at capacity. Best-effort: callers must never fail ExecuteQuery because
// Put failed.
func (e *Engine) Put(ctx context.Context, fp domain.Fingerprint, payload domain.ResultPayload, ttl time.Duration) {
	if ttl <= 0 {
		ttl = e.config.TTL
	}
	now := time.Now()
	entry := &domain.CacheEntry{
		Fingerprint: fp,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	e.mu.Lock()
	e.purgeExpiredLocked()
	if len(e.entries) >= e.config.MaxEntries {
		e.evictOldestFractionLocked()
	}
	e.entries[fp] = entry
	e.mu.Unlock()

	if e.redis != nil {
		// Best-effort empty marker (no payload); errors are logged, never propagated.
		if err := e.redis.Set(ctx, "qcache:"+fp.String(), []byte(""), ttl).Err(); err != nil {
			e.logger.Debug().Err(err).Msg("redis cache mirror failed, continuing in-process only")
		}
	}
}

// Size returns the current entry count.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	hits := atomic.LoadInt64(&e.hits)
	misses := atomic.LoadInt64(&e.misses)
	evictions := atomic.LoadInt64(&e.evictions)

	total := hits + misses
	rate := float64(0)
	if total > 0 {
		rate = float64(hits) / float64(total) * 100
	}

	e.mu.RLock()
	count := int64(len(e.entries))
	e.mu.RUnlock()

	return Stats{Hits: hits, Misses: misses, Evictions: evictions, Entries: count, HitRate: rate}
}

// purgeExpiredLocked removes expired entries. Caller holds e.mu.
func (e *Engine) purgeExpiredLocked() {
	now := time.Now()
	for fp, entry := range e.entries {
		if now.After(entry.ExpiresAt) {
			delete(e.entries, fp)
		}
	}
}

// evictOldestFractionLocked removes the oldest config.EvictionFraction of
// entries by CreatedAt. Caller holds e.mu.
func (e *Engine) evictOldestFractionLocked() {
	n := len(e.entries)
	if n == 0 {
		return
	}
	toEvict := int(float64(n) * e.config.EvictionFraction)
	if toEvict < 1 {
		toEvict = 1
	}

	type keyed struct {
		fp        domain.Fingerprint
		createdAt time.Time
	}
	ordered := make([]keyed, 0, n)
	for fp, entry := range e.entries {
		ordered = append(ordered, keyed{fp, entry.CreatedAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].createdAt.Before(ordered[j].createdAt) })

	for i := 0; i < toEvict && i < len(ordered); i++ {
		delete(e.entries, ordered[i].fp)
		atomic.AddInt64(&e.evictions, 1)
	}
}
