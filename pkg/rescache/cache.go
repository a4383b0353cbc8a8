// Package rescache provides the resource cache for expensive derived artifacts.
//
// Values are serialized to canonical JSON when they are stored, so every entry
// is an immutable snapshot with a content-derived ETag. Entries expire by TTL,
// are counted as hits or misses on access, and can be evicted least recently
// used first.
//
// Example usage:
//
//	cache := rescache.New(rescache.WithDefaultTTL(5 * time.Minute))
//	entry, err := cache.Set("report:42", map[string]int{"x": 1}, time.Minute)
//	entry, ok := cache.Get("report:42")
package rescache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is used when Set is called with a non-positive TTL and no
// WithDefaultTTL option was given.
const DefaultTTL = 5 * time.Minute

// Entry is a snapshot of a cached value and its metadata.
type Entry struct {
	// Key is the unique cache key.
	Key string

	// Value holds the canonical JSON encoding of the cached value.
	Value []byte

	// ETag is derived from Value (see ETag).
	ETag string

	// CreatedAt is when the value was stored.
	CreatedAt time.Time

	// ExpiresAt is CreatedAt plus the TTL. The entry is live while now < ExpiresAt.
	ExpiresAt time.Time

	// HitCount is the number of successful Gets since the value was stored.
	HitCount int64

	// LastAccessedAt is the time of the last hit, or CreatedAt if never read.
	LastAccessedAt time.Time
}

// Live reports whether the entry has not expired at now.
func (e *Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Stats summarizes cache accounting.
type Stats struct {
	Hits        int64
	Misses      int64
	HitRate     float64
	Entries     int
	Evictions   int64
	Expirations int64

	// AccessCounts maps each stored key to its hit count.
	AccessCounts map[string]int64
}

// Producer computes a value for a cache miss.
type Producer func(ctx context.Context) (any, error)

// Cache is a thread-safe in-memory cache with TTL, ETags and LRU eviction.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	defaultTTL time.Duration
	maxEntries int
	now        func() time.Time
	metrics    *Metrics
	logger     *zap.Logger
	group      singleflight.Group

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL sets the TTL used when Set receives a non-positive TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithMaxEntries bounds the cache. When a Set pushes the entry count above n
// the least recently used entries are evicted. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n >= 0 {
			c.maxEntries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*Entry),
		defaultTTL: DefaultTTL,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live entry for key.
//
// A missing or expired entry is reported as not found and counted as a miss.
// Expired entries stay in the map until Cleanup runs.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[key]
	if !ok || !entry.Live(now) {
		c.misses++
		if c.metrics != nil {
			c.metrics.RecordMiss()
		}
		return Entry{}, false
	}

	entry.HitCount++
	entry.LastAccessedAt = now
	c.hits++
	if c.metrics != nil {
		c.metrics.RecordHit()
	}
	return entry.clone(), true
}

// Peek returns the entry for key without touching access statistics.
// Expired entries are returned as not found.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !entry.Live(c.now()) {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Set stores value under key, replacing any previous entry.
//
// The value is encoded as canonical JSON; values that cannot be encoded fail
// with a *SerializationError and leave the cache unchanged.
func (c *Cache) Set(key string, value any, ttl time.Duration) (Entry, error) {
	data, err := canonicalJSON(value)
	if err != nil {
		return Entry{}, &SerializationError{Key: key, Err: err}
	}
	return c.setEncoded(key, data, ttl), nil
}

func (c *Cache) setEncoded(key string, data []byte, ttl time.Duration) Entry {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := &Entry{
		Key:            key,
		Value:          data,
		ETag:           etagOf(data),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
	c.entries[key] = entry

	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		// The fresh entry carries the newest access time, so it is evicted last.
		c.evictLocked(c.maxEntries)
	}
	c.updateSizeLocked()
	return entry.clone()
}

// GetOrCreate returns the live entry for key or runs producer to create it.
//
// Concurrent callers missing on the same key share one producer call. The
// shared call runs without the caller's cancellation; a caller whose ctx ends
// first returns ctx.Err() while the producer carries on for the others.
// Producer errors are returned unchanged in meaning and nothing is cached.
func (c *Cache) GetOrCreate(ctx context.Context, key string, ttl time.Duration, producer Producer) (Entry, error) {
	if entry, ok := c.Get(key); ok {
		return entry, nil
	}

	shareCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// Another caller may have populated the key between our miss and Do.
		if entry, ok := c.Peek(key); ok {
			return entry, nil
		}
		value, err := producer(shareCtx)
		if err != nil {
			return nil, fmt.Errorf("producing %q: %w", key, err)
		}
		return c.Set(key, value, ttl)
	})

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.logger.Debug("cache producer failed",
				zap.String("key", key),
				zap.Bool("shared", res.Shared),
				zap.Error(res.Err))
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

// Invalidate removes key. It reports whether an entry was removed.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.updateSizeLocked()
	return true
}

// InvalidatePrefix removes every key starting with prefix and returns the count.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.updateSizeLocked()
	}
	return removed
}

// Clear removes all entries. Hit and miss counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.updateSizeLocked()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup removes every entry with ExpiresAt <= now and returns the count.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if !entry.Live(now) {
			delete(c.entries, key)
			removed++
		}
	}

	c.expirations += int64(removed)
	if c.metrics != nil {
		c.metrics.RecordExpirations(removed)
	}
	if removed > 0 {
		c.updateSizeLocked()
		c.logger.Debug("cache cleanup", zap.Int("removed", removed))
	}
	return removed
}

// EvictLRU removes entries until at most target remain: expired entries
// first, then live entries least recently accessed first. Ties on access time
// go to the oldest CreatedAt. It returns the number removed.
func (c *Cache) EvictLRU(target int) int {
	if target < 0 {
		target = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := c.evictLocked(target)
	if removed > 0 {
		c.updateSizeLocked()
	}
	return removed
}

// evictLocked performs LRU eviction. Caller must hold the lock.
func (c *Cache) evictLocked(target int) int {
	excess := len(c.entries) - target
	if excess <= 0 {
		return 0
	}

	now := c.now()
	ordered := make([]*Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		// Expired entries go before any live one.
		if aLive, bLive := a.Live(now), b.Live(now); aLive != bLive {
			return bLive
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})

	for _, entry := range ordered[:excess] {
		delete(c.entries, entry.Key)
	}

	c.evictions += int64(excess)
	if c.metrics != nil {
		c.metrics.RecordEvictions(excess)
	}
	c.logger.Debug("cache evicted least recently used entries",
		zap.Int("evicted", excess),
		zap.Int("target", target))
	return excess
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[string]int64, len(c.entries))
	for key, entry := range c.entries {
		counts[key] = entry.HitCount
	}

	var rate float64
	if total := c.hits + c.misses; total > 0 {
		rate = float64(c.hits) / float64(total)
	}

	return Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		HitRate:      rate,
		Entries:      len(c.entries),
		Evictions:    c.evictions,
		Expirations:  c.expirations,
		AccessCounts: counts,
	}
}

func (c *Cache) updateSizeLocked() {
	if c.metrics != nil {
		c.metrics.SetSize(len(c.entries))
	}
}

func (e *Entry) clone() Entry {
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return cp
}
