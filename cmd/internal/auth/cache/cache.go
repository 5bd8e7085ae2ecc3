// Package cache provides the small TTL caches the session manager keeps per subject.
//
// Entries are stamped with the time they were fetched and are usable only while
// now-FetchedAt < TTL. An expired entry is evicted by the lookup that finds it.
package cache

import (
	"sync"
	"time"
)

// Entry is a cached value keyed by subject id.
type Entry[V any] struct {
	Key       string
	Value     V
	FetchedAt time.Time
}

// Observer receives one call per lookup.
type Observer func(hit bool)

// Option configures a Cache.
type Option func(*options)

type options struct {
	now      func() time.Time
	observer Observer
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithObserver reports hits and misses, typically to a Prometheus counter.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// Cache is a concurrency-safe TTL map.
type Cache[V any] struct {
	ttl time.Duration
	now func() time.Time
	obs Observer

	mu      sync.RWMutex
	entries map[string]Entry[V]
}

// New returns an empty cache. A non-positive ttl disables caching: every Get misses.
func New[V any](ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		ttl:     ttl,
		now:     o.now,
		obs:     o.observer,
		entries: make(map[string]Entry[V]),
	}
}

// TTL returns the configured freshness window.
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

// Get returns the entry for key if it is still fresh.
func (c *Cache[V]) Get(key string) (Entry[V], bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.fresh(e, now) {
		c.observe(true)
		return e, true
	}

	if ok {
		c.mu.Lock()
		// Only evict what we looked at; a concurrent Put may have replaced it.
		if cur, still := c.entries[key]; still && cur.FetchedAt.Equal(e.FetchedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}

	c.observe(false)
	var zero Entry[V]
	return zero, false
}

// Put stores v under key, stamped with the current time.
func (c *Cache[V]) Put(key string, v V) Entry[V] {
	e := Entry[V]{Key: key, Value: v, FetchedAt: c.now()}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	return e
}

// Invalidate removes key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Len reports the number of stored entries, fresh or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) fresh(e Entry[V], now time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	return now.Sub(e.FetchedAt) < c.ttl
}

func (c *Cache[V]) observe(hit bool) {
	if c.obs != nil {
		c.obs(hit)
	}
}
