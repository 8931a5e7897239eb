package queue

import (
	"sync"
	"time"
)

// keyCache remembers recently processed idempotency keys so a redelivered
// job is acknowledged without running its handler again. Entries expire
// after ttl; the cache is bounded and evicts expired entries lazily on
// insert once the bound is hit.
type keyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
	now     func() time.Time
}

func newKeyCache(ttl time.Duration, max int) *keyCache {
	if max <= 0 {
		max = 10000
	}
	return &keyCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen reports whether key was marked within the TTL window.
func (c *keyCache) Seen(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().Sub(at) > c.ttl {
		delete(c.entries, key)
		return false
	}
	return true
}

// Mark records key as processed at the current time.
func (c *keyCache) Mark(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.evictLocked()
	}
	c.entries[key] = c.now()
}

func (c *keyCache) evictLocked() {
	cutoff := c.now().Add(-c.ttl)
	for k, at := range c.entries {
		if at.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	// Still full after dropping expired entries: drop the oldest.
	for len(c.entries) >= c.max {
		var oldestKey string
		var oldestAt time.Time
		for k, at := range c.entries {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey, oldestAt = k, at
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *keyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
