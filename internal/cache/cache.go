package cache

import (
	"sync"
	"time"
)

// Cache is a read-through TTL cache owned by a single runner.
// Entries past their TTL are still returned by Get so callers can fall back
// to stale data when a refresh fails.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[K]entry[V]
}

type entry[V any] struct {
	value V
	at    time.Time
}

// New creates a cache with the given freshness TTL.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}
}

// WithClock replaces the time source, for tests.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.now = now
	return c
}

// TTL returns the freshness window.
func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Set stores value under key stamped with the current time.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetAt(key, value, c.now())
}

// SetAt stores value under key with an explicit timestamp.
func (c *Cache[K, V]) SetAt(key K, value V, at time.Time) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, at: at}
	c.mu.Unlock()
}

// Get returns the cached value and its age regardless of freshness.
func (c *Cache[K, V]) Get(key K) (V, time.Duration, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, 0, false
	}
	return e.value, c.now().Sub(e.at), true
}

// Fresh returns the cached value only if it is younger than the TTL.
func (c *Cache[K, V]) Fresh(key K) (V, bool) {
	v, age, ok := c.Get(key)
	if !ok || age >= c.ttl {
		var zero V
		return zero, false
	}
	return v, true
}

// Invalidate drops key.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
