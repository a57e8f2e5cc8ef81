package providers

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/gnosis-kg/gnosis/pkg/cache"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

// CachedEmbedder memoizes embeddings keyed by model and text digest. Re-ingests
// and overlapping chunks hit the cache instead of the provider. Cache failures
// degrade to provider calls; they never fail the embed.
type CachedEmbedder struct {
	inner  Embedder
	cache  cache.Cache
	ttl    time.Duration
	logger observability.Logger
}

// NewCachedEmbedder wraps inner with a cache layer.
func NewCachedEmbedder(inner Embedder, c cache.Cache, ttl time.Duration, logger observability.Logger) *CachedEmbedder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &CachedEmbedder{inner: inner, cache: c, ttl: ttl, logger: logger}
}

// Embed resolves cached vectors and calls the provider only for misses,
// preserving input order.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		var cached []float32
		if err := c.cache.Get(ctx, c.key(text), &cached); err == nil && len(cached) > 0 {
			vectors[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return vectors, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, unavailable(c.inner.ModelName(), fmt.Errorf("expected %d embeddings, got %d", len(missTexts), len(fresh)))
	}

	for j, i := range missIdx {
		vectors[i] = fresh[j]
		if err := c.cache.Set(ctx, c.key(texts[i]), fresh[j], c.ttl); err != nil {
			c.logger.Debug("Failed to cache embedding", map[string]interface{}{"error": err.Error()})
		}
	}
	return vectors, nil
}

// Dimensions returns the inner embedder's vector width.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// ModelName returns the inner embedder's model name.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

func (c *CachedEmbedder) key(text string) string {
	return fmt.Sprintf("emb:%s:%x", c.inner.ModelName(), sha256.Sum256([]byte(text)))
}
