package providers

import (
	"context"

	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/resilience"
)

// Breaker decorators guard provider calls with a circuit breaker. Permanent
// rejections pass through without counting as failures so a stream of bad
// requests cannot trip the breaker for healthy callers. A tripped breaker
// reports ProviderUnavailable, which the per-chunk retry budget absorbs.

// BreakerEmbedder wraps an Embedder with a circuit breaker.
type BreakerEmbedder struct {
	inner Embedder
	br    *resilience.Breaker
}

// NewBreakerEmbedder creates the wrapped embedder.
func NewBreakerEmbedder(inner Embedder, br *resilience.Breaker) *BreakerEmbedder {
	return &BreakerEmbedder{inner: inner, br: br}
}

// Embed runs the inner call through the breaker.
func (b *BreakerEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var permanent error
	v, err := b.br.Execute(func() (interface{}, error) {
		res, err := b.inner.Embed(ctx, texts)
		if err != nil && models.IsProviderInvalidRequest(err) {
			permanent = err
			return nil, nil
		}
		return res, err
	})
	if permanent != nil {
		return nil, permanent
	}
	if err != nil {
		if resilience.IsBreakerOpen(err) {
			return nil, unavailable(b.inner.ModelName(), err)
		}
		return nil, err
	}
	return v.([][]float32), nil
}

// Dimensions returns the inner embedder's vector width.
func (b *BreakerEmbedder) Dimensions() int { return b.inner.Dimensions() }

// ModelName returns the inner embedder's model name.
func (b *BreakerEmbedder) ModelName() string { return b.inner.ModelName() }

// BreakerExtractor wraps an Extractor with a circuit breaker.
type BreakerExtractor struct {
	inner Extractor
	name  string
	br    *resilience.Breaker
}

// NewBreakerExtractor creates the wrapped extractor.
func NewBreakerExtractor(inner Extractor, name string, br *resilience.Breaker) *BreakerExtractor {
	return &BreakerExtractor{inner: inner, name: name, br: br}
}

// Extract runs the inner call through the breaker.
func (b *BreakerExtractor) Extract(ctx context.Context, chunkText string, ec ExtractionContext) (*ExtractionResult, error) {
	var permanent error
	v, err := b.br.Execute(func() (interface{}, error) {
		res, err := b.inner.Extract(ctx, chunkText, ec)
		if err != nil && models.IsProviderInvalidRequest(err) {
			permanent = err
			return nil, nil
		}
		return res, err
	})
	if permanent != nil {
		return nil, permanent
	}
	if err != nil {
		if resilience.IsBreakerOpen(err) {
			return nil, unavailable(b.name, err)
		}
		return nil, err
	}
	return v.(*ExtractionResult), nil
}

// BreakerVision wraps a Vision provider with a circuit breaker.
type BreakerVision struct {
	inner Vision
	name  string
	br    *resilience.Breaker
}

// NewBreakerVision creates the wrapped vision provider.
func NewBreakerVision(inner Vision, name string, br *resilience.Breaker) *BreakerVision {
	return &BreakerVision{inner: inner, name: name, br: br}
}

// Describe runs the inner call through the breaker.
func (b *BreakerVision) Describe(ctx context.Context, image []byte, mediaType string) (string, error) {
	var permanent error
	v, err := b.br.Execute(func() (interface{}, error) {
		res, err := b.inner.Describe(ctx, image, mediaType)
		if err != nil && models.IsProviderInvalidRequest(err) {
			permanent = err
			return "", nil
		}
		return res, err
	})
	if permanent != nil {
		return "", permanent
	}
	if err != nil {
		if resilience.IsBreakerOpen(err) {
			return "", unavailable(b.name, err)
		}
		return "", err
	}
	return v.(string), nil
}
