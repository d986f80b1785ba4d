package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = 10 * time.Minute

// ClientCache is a thread-safe in-memory TTL cache for immutable lookups.
type ClientCache[T any] struct {
	items *gocache.Cache
	ttl   time.Duration
}

// New creates a cache whose entries live for ttl.
func New[T any](ttl time.Duration) *ClientCache[T] {
	return &ClientCache[T]{
		items: gocache.New(ttl, defaultCleanupInterval),
		ttl:   ttl,
	}
}

// Get retrieves a value if it exists and hasn't expired.
func (c *ClientCache[T]) Get(key string) (T, bool) {
	var zero T
	raw, ok := c.items.Get(key)
	if !ok {
		return zero, false
	}
	value, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return value, true
}

// Set stores a value with the default TTL.
func (c *ClientCache[T]) Set(key string, value T) {
	c.items.Set(key, value, gocache.DefaultExpiration)
}

// Delete removes a key.
func (c *ClientCache[T]) Delete(key string) {
	c.items.Delete(key)
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *ClientCache[T]) Len() int {
	return c.items.ItemCount()
}

// Flush drops every entry.
func (c *ClientCache[T]) Flush() {
	c.items.Flush()
}
