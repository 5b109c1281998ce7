package cache

import (
	"sync"
	"time"
)

// Cache is a small in-memory cache with per-entry expiry. A zero TTL
// disables expiry entirely (entries live until deleted or flushed).
type Cache struct {
	data  map[string]any
	times map[string]time.Time
	ttl   time.Duration
	mu    sync.RWMutex
}

// NewCache creates a new cache with the specified TTL
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		data:  make(map[string]any),
		times: make(map[string]time.Time),
		ttl:   ttl,
	}
}

// TTL returns the cache's configured time-to-live
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get retrieves a value from the cache. Expired entries are removed on read.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	val, exists := c.data[key]
	stamp := c.times[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if c.ttl > 0 && time.Since(stamp) > c.ttl {
		c.Delete(key)
		return nil, false
	}

	return val, true
}

// Set stores a value in the cache
func (c *Cache) Set(key string, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = val
	c.times[key] = time.Now()
}

// Delete removes a single entry
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	delete(c.times, key)
}

// Flush removes all entries
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]any)
	c.times = make(map[string]time.Time)
}

// Len returns the number of entries currently held, including any that have
// expired but not yet been evicted by a read.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.data)
}
