package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryCache implements Cache with an in-process expiring LRU. It is the
// default for single-node deployments and tests.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryCache creates an in-memory cache holding at most maxEntries values.
func NewMemoryCache(maxEntries int, defaultTTL time.Duration) (*MemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryCache{
		lru: expirable.NewLRU[string, []byte](maxEntries, nil, defaultTTL),
	}, nil
}

// Get retrieves a value from the cache.
func (c *MemoryCache) Get(ctx context.Context, key string, value any) error {
	data, ok := c.lru.Get(key)
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, value)
}

// Set stores a value. The per-call ttl is ignored; the LRU applies its
// construction-time TTL uniformly.
func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.lru.Add(key, data)
	return nil
}

// Delete removes a value from the cache.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Exists checks if a key exists in the cache.
func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	return c.lru.Contains(key), nil
}

// Flush clears all values from the cache.
func (c *MemoryCache) Flush(ctx context.Context) error {
	c.lru.Purge()
	return nil
}

// Close is a no-op for the memory cache.
func (c *MemoryCache) Close() error {
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
