package secrets

import (
	"sync"
	"time"
)

type cacheItem[T any] struct {
	value      T
	expiration time.Time
}

// Cache is a thread-safe TTL cache for resolved secrets.
type Cache[T any] struct {
	mu   sync.RWMutex
	data map[string]cacheItem[T]
	ttl  time.Duration
	now  func() time.Time
}

func NewCache[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		data: make(map[string]cacheItem[T]),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Get returns a cached value if present and not expired.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	item, ok := c.data[key]
	c.mu.RUnlock()
	var zero T
	if !ok {
		return zero, false
	}
	if c.now().After(item.expiration) {
		c.Bust(key)
		return zero, false
	}
	return item.value, true
}

func (c *Cache[T]) Put(key string, value T) {
	c.mu.Lock()
	c.data[key] = cacheItem[T]{value: value, expiration: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Bust drops one entry, e.g. after the provider rejected rotated credentials.
func (c *Cache[T]) Bust(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
