// Package cache holds the bounded in-memory caches shared by the engines:
// a TTL map with count-bounded eviction, a batch-evicting dedup set and the
// channel membership snapshot.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/KafClaw/pushwatch/internal/clock"
)

// TTLCache memoizes values for a fixed TTL, bounded by entry count.
//
// When an insert pushes the cache above MaxEntries, expired entries are
// removed first; if it is still above the bound the oldest inserted entries
// go until it fits. Sweep removes expired entries independently of inserts.
type TTLCache[K comparable, V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	clock      clock.Clock
	entries    map[K]*list.Element
	order      *list.List

	hits      uint64
	misses    uint64
	evictions uint64
}

type ttlEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// NewTTLCache creates a cache. A nil clock uses wall time.
func NewTTLCache[K comparable, V any](ttl time.Duration, maxEntries int, clk clock.Clock) *TTLCache[K, V] {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &TTLCache[K, V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock.OrReal(clk),
		entries:    make(map[K]*list.Element),
		order:      list.New(),
	}
}

// Get returns the cached value for key if present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*ttlEntry[K, V])
	if !c.clock.Now().Before(e.expiresAt) {
		c.removeElement(el)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key, refreshing its TTL and insertion position.
func (c *TTLCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*ttlEntry[K, V])
		e.value = value
		e.expiresAt = now.Add(c.ttl)
		c.order.MoveToBack(el)
		return
	}
	el := c.order.PushBack(&ttlEntry[K, V]{key: key, value: value, expiresAt: now.Add(c.ttl)})
	c.entries[key] = el

	if c.order.Len() > c.maxEntries {
		c.sweepLocked(now)
		for c.order.Len() > c.maxEntries {
			c.removeElement(c.order.Front())
			c.evictions++
		}
	}
}

// Delete removes key if present.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *TTLCache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.clock.Now())
}

// Purge empties the cache.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*list.Element)
	c.order.Init()
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the cache counters.
func (c *TTLCache[K, V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   c.order.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// RunSweeper sweeps on every interval until ctx is done, so an idle cache does
// not hold expired entries forever.
func (c *TTLCache[K, V]) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := c.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			c.Sweep()
		}
	}
}

func (c *TTLCache[K, V]) sweepLocked(now time.Time) int {
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*ttlEntry[K, V]).expiresAt) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

func (c *TTLCache[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*ttlEntry[K, V])
	delete(c.entries, e.key)
	c.order.Remove(el)
}
