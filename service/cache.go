package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/layer-3/edupass/clock"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL        = 30 * time.Second
	defaultCacheCapacity   = 1000
	defaultCacheEvictBatch = 100
)

// CacheConfig bounds a Cache.
type CacheConfig struct {
	TTL        time.Duration
	Capacity   int
	EvictBatch int
}

type cacheEntry[V any] struct {
	value    V
	cachedAt time.Time
	seq      uint64
}

type ageKey struct {
	cachedAt time.Time
	seq      uint64
	key      string
}

func ageLess(a, b ageKey) bool {
	if !a.cachedAt.Equal(b.cachedAt) {
		return a.cachedAt.Before(b.cachedAt)
	}
	return a.seq < b.seq
}

// Cache is a bounded read-through cache. Entries expire after TTL; when the
// cache is full the oldest EvictBatch entries are dropped at once.
// Concurrent misses for one key share a single producer call.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	byAge   *btree.BTreeG[ageKey]
	seq     uint64

	group   singleflight.Group
	cfg     CacheConfig
	clock   *clock.Clock
	metrics *Metrics
}

// NewCache returns an empty cache. Zero config fields take the defaults.
func NewCache[V any](cfg CacheConfig, clk *clock.Clock, metrics *Metrics) *Cache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCacheCapacity
	}
	if cfg.EvictBatch <= 0 {
		cfg.EvictBatch = defaultCacheEvictBatch
	}
	if clk == nil {
		clk = &clock.Clock{}
	}
	if metrics == nil {
		metrics = noopMetrics()
	}
	return &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		byAge:   btree.NewG[ageKey](16, ageLess),
		cfg:     cfg,
		clock:   clk,
		metrics: metrics,
	}
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetCached returns the fresh value under key or calls producer and caches
// its result. Producer errors are returned and not cached.
func (c *Cache[V]) GetCached(ctx context.Context, key string, producer func(context.Context) (V, error)) (V, error) {
	if v, ok := c.lookup(key); ok {
		c.metrics.cacheRequests.WithLabelValues("hit").Inc()
		return v, nil
	}
	c.metrics.cacheRequests.WithLabelValues("miss").Inc()

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Invalidate drops the entries under keys.
func (c *Cache[V]) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.removeLocked(key)
	}
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.clock.Now().Sub(e.cachedAt) >= c.cfg.TTL {
		c.removeLocked(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) store(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	// Evicting before the insert that would exceed Capacity keeps the
	// cache at or below Capacity entries.
	if len(c.entries) >= c.cfg.Capacity {
		c.evictLocked()
	}

	c.seq++
	e := &cacheEntry[V]{value: v, cachedAt: c.clock.Now(), seq: c.seq}
	c.entries[key] = e
	c.byAge.ReplaceOrInsert(ageKey{cachedAt: e.cachedAt, seq: e.seq, key: key})
}

// evictLocked drops the EvictBatch oldest entries.
func (c *Cache[V]) evictLocked() {
	n := 0
	for n < c.cfg.EvictBatch {
		oldest, ok := c.byAge.DeleteMin()
		if !ok {
			break
		}
		delete(c.entries, oldest.key)
		n++
	}
	c.metrics.cacheEvictions.Add(float64(n))
}

func (c *Cache[V]) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.byAge.Delete(ageKey{cachedAt: e.cachedAt, seq: e.seq, key: key})
	delete(c.entries, key)
}
