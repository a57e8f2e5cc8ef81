// Package cache provides the caching layer used to deduplicate embedding
// calls and memoize hot lookups.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is not found in the cache.
var ErrNotFound = errors.New("key not found in cache")

// Cache defines caching operations. Values are JSON round-tripped, so the
// value argument to Get must be a pointer.
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	Close() error
}

// Config selects and tunes the cache backend.
type Config struct {
	Backend      string
	Address      string
	Username     string
	Password     string
	Database     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	DefaultTTL   time.Duration
	MaxEntries   int
}

// New builds the cache selected by cfg.Backend: "redis", "memory", or "none".
func New(cfg Config) (Cache, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisCache(cfg)
	case "memory":
		return NewMemoryCache(cfg.MaxEntries, cfg.DefaultTTL)
	case "none", "":
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
