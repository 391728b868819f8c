package adapters

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// LRUCache is a bounded cache. maxTTL bounds every entry; Set may ask for a
// shorter lifetime.
type LRUCache struct {
	lru    *expirable.LRU[string, cacheEntry]
	maxTTL time.Duration
	now    func() time.Time
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int, maxTTL time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 1000
	}
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	return &LRUCache{
		lru:    expirable.NewLRU[string, cacheEntry](capacity, nil, maxTTL),
		maxTTL: maxTTL,
		now:    time.Now,
	}
}

// Get retrieves a value from the cache.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return append([]byte(nil), entry.value...), true
}

// Set stores a copy of value for ttl, capped at the cache maximum.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	c.lru.Add(key, cacheEntry{value: append([]byte(nil), value...), expires: c.now().Add(ttl)})
	return nil
}

// Delete removes a key from the cache.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len reports the number of live entries.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

var _ ports.Cache = (*LRUCache)(nil)
