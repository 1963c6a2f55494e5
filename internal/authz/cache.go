package authz

import (
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a cached decision stays valid.
const DefaultCacheTTL = 2 * time.Minute

type cacheEntry struct {
	allowed  bool
	storedAt time.Time
}

// Cache is an in-memory map of "feature:action" keys to decisions. Entries
// expire on read once they are older than the TTL; nothing is evicted
// otherwise because the key space is bounded by the features callers ask for.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache instantiates a cache. A non-positive ttl selects DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry), now: time.Now}
}

// TTL returns the configured lifetime of an entry.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached decision for key. ok is false when the key is absent
// or expired.
func (c *Cache) Get(key string) (allowed bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[key]
	if !found {
		return false, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		return false, false
	}
	return entry.allowed, true
}

// Set stores the decision for key, stamped with the current time.
func (c *Cache) Set(key string, allowed bool) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{allowed: allowed, storedAt: c.now()}
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
