package providers

import (
	"context"
	"fmt"

	"github.com/gnosis-kg/gnosis/pkg/cache"
	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/resilience"
)

// Set bundles the three capabilities of the active provider, already wrapped
// with circuit breakers and the embedding cache.
type Set struct {
	Embedder  Embedder
	Extractor Extractor
	Vision    Vision
}

// New builds the provider selected by cfg.Active. All call sites receive the
// same Set; nothing downstream knows which provider is live.
func New(ctx context.Context, cfg config.ProvidersConfig, c cache.Cache, logger observability.Logger) (*Set, error) {
	var (
		em Embedder
		ex Extractor
		vi Vision
	)

	switch cfg.Active {
	case "mock", "":
		p := NewMockProvider(cfg.Mock.Mode, cfg.Mock.Dimensions)
		em, ex, vi = p, p, p
	case "openai":
		p, err := NewOpenAIProvider(OpenAIOptions{
			APIKey:          cfg.OpenAI.APIKey,
			BaseURL:         cfg.OpenAI.BaseURL,
			EmbeddingModel:  cfg.OpenAI.EmbeddingModel,
			ExtractionModel: cfg.OpenAI.ExtractionModel,
			Dimensions:      cfg.OpenAI.Dimensions,
			Timeout:         cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		em, ex, vi = p, p, p
	case "bedrock":
		p, err := NewBedrockProvider(ctx, BedrockOptions{
			Region:          cfg.Bedrock.Region,
			AccessKeyID:     cfg.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Bedrock.SecretAccessKey,
			SessionToken:    cfg.Bedrock.SessionToken,
			EmbeddingModel:  cfg.Bedrock.EmbeddingModel,
			ExtractionModel: cfg.Bedrock.ExtractionModel,
			Dimensions:      cfg.Bedrock.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		em, ex, vi = p, p, p
	case "ollama":
		p := NewOllamaProvider(OllamaOptions{
			BaseURL:         cfg.Ollama.BaseURL,
			EmbeddingModel:  cfg.Ollama.EmbeddingModel,
			ExtractionModel: cfg.Ollama.ExtractionModel,
			Dimensions:      cfg.Ollama.Dimensions,
			Timeout:         cfg.Timeout,
		})
		em, ex, vi = p, p, p
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Active)
	}

	brCfg := resilience.DefaultBreakerConfig()
	em = NewBreakerEmbedder(em, resilience.NewBreaker("embed."+cfg.Active, brCfg, logger))
	ex = NewBreakerExtractor(ex, cfg.Active, resilience.NewBreaker("extract."+cfg.Active, brCfg, logger))
	vi = NewBreakerVision(vi, cfg.Active, resilience.NewBreaker("vision."+cfg.Active, brCfg, logger))

	if c != nil {
		em = NewCachedEmbedder(em, c, 0, logger)
	}

	return &Set{Embedder: em, Extractor: ex, Vision: vi}, nil
}
