package cache

import (
	"context"
	"time"
)

// NoopCache satisfies Cache without storing anything. Used when caching is
// disabled.
type NoopCache struct{}

// NewNoopCache creates a cache that never hits.
func NewNoopCache() *NoopCache { return &NoopCache{} }

func (NoopCache) Get(ctx context.Context, key string, value any) error { return ErrNotFound }

func (NoopCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return nil
}

func (NoopCache) Delete(ctx context.Context, key string) error { return nil }

func (NoopCache) Exists(ctx context.Context, key string) (bool, error) { return false, nil }

func (NoopCache) Flush(ctx context.Context) error { return nil }

func (NoopCache) Close() error { return nil }
