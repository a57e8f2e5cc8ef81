// Package providers defines the pluggable embedding, extraction and vision
// capabilities and their concrete implementations. No call site outside this
// package names a specific provider; selection happens in the factory.
package providers

import (
	"context"

	"github.com/gnosis-kg/gnosis/pkg/models"
)

// Embedder maps texts to fixed-dimension vectors. Implementations must be
// batchable and stable: the same input yields the same output for the
// deterministic mock, and approximately so for remote models.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// Extractor maps a chunk of text plus assembled context to concepts and
// typed relationships. Relationship endpoints are labels; the upsert engine
// resolves them to concept ids.
type Extractor interface {
	Extract(ctx context.Context, chunkText string, ec ExtractionContext) (*ExtractionResult, error)
}

// Vision produces a text description of an image, which then flows through
// the normal text ingestion path.
type Vision interface {
	Describe(ctx context.Context, image []byte, mediaType string) (string, error)
}

// ContextConcept is one prior concept handed to the extractor so later
// chunks can reuse earlier labels.
type ContextConcept struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ExtractionContext carries the assembled priors for one chunk.
type ExtractionContext struct {
	Ontology       string
	RecentConcepts []ContextConcept
	Vocabulary     []string
}

// ExtractedConcept is one concept proposed by the extractor.
type ExtractedConcept struct {
	Label       string   `json:"label"`
	SearchTerms []string `json:"search_terms,omitempty"`
	Description string   `json:"description,omitempty"`
	Quote       string   `json:"quote,omitempty"`
}

// ExtractedRelationship is a typed edge between two extracted labels.
type ExtractedRelationship struct {
	FromLabel  string  `json:"from_label"`
	ToLabel    string  `json:"to_label"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the decoded extractor reply plus token usage.
type ExtractionResult struct {
	Concepts      []ExtractedConcept      `json:"concepts"`
	Relationships []ExtractedRelationship `json:"relationships"`
	TokensIn      int                     `json:"-"`
	TokensOut     int                     `json:"-"`
}

// unavailable wraps a transient failure so callers retry with backoff.
func unavailable(provider string, err error) error {
	return &models.ProviderUnavailableError{Provider: provider, Err: err}
}

// invalidRequest wraps a permanent rejection; the job fails without retry.
func invalidRequest(provider string, err error) error {
	return &models.ProviderInvalidRequestError{Provider: provider, Err: err}
}
