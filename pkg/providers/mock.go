package providers

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/gnosis-kg/gnosis/pkg/chunking"
)

// Mock modes select how many concepts are produced per chunk.
const (
	MockModeDefault = "default"
	MockModeSimple  = "simple"
	MockModeComplex = "complex"
	MockModeEmpty   = "empty"
)

// MockProvider is a deterministic Embedder, Extractor and Vision used by
// tests and local development. Same input always yields the same output, so
// no network or keys are needed.
type MockProvider struct {
	mode string
	dims int
}

// NewMockProvider creates a mock provider. Unknown modes fall back to default.
func NewMockProvider(mode string, dims int) *MockProvider {
	if dims <= 0 {
		dims = 384
	}
	switch mode {
	case MockModeSimple, MockModeComplex, MockModeEmpty:
	default:
		mode = MockModeDefault
	}
	return &MockProvider{mode: mode, dims: dims}
}

// Embed derives one vector per text from its sha256 digest, cycled to the
// configured dimension and L2-normalized. Identical texts embed identically.
func (m *MockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.vectorFor(text)
	}
	return out, nil
}

// Dimensions returns the configured vector width.
func (m *MockProvider) Dimensions() int { return m.dims }

// ModelName identifies the mock embedder in source_embeddings rows.
func (m *MockProvider) ModelName() string { return "mock-embed" }

func (m *MockProvider) vectorFor(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, m.dims)
	var norm float64
	for i := range vec {
		v := float64(sum[i%len(sum)])/127.5 - 1.0
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func (m *MockProvider) conceptBudget() int {
	switch m.mode {
	case MockModeSimple:
		return 1
	case MockModeComplex:
		return 5
	case MockModeEmpty:
		return 0
	default:
		return 3
	}
}

// Extract derives concepts from the chunk's leading sentences: the label is
// the first words of the sentence, the quote is the sentence itself, so the
// evidence-substring invariant holds. Consecutive concepts are chained with
// RELATES_TO edges.
func (m *MockProvider) Extract(ctx context.Context, chunkText string, ec ExtractionContext) (*ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	budget := m.conceptBudget()
	result := &ExtractionResult{
		Concepts:      []ExtractedConcept{},
		Relationships: []ExtractedRelationship{},
		TokensIn:      int(float64(len(strings.Fields(chunkText))) * 1.3),
	}
	if budget == 0 {
		return result, nil
	}

	// maxChars 1 forces one chunk per sentence, preserving exact byte spans.
	sentences := chunking.ChunkBySentence(chunkText, 1)
	seen := make(map[string]bool)
	for _, s := range sentences {
		if len(result.Concepts) >= budget {
			break
		}
		words := strings.Fields(s.Text)
		if len(words) == 0 {
			continue
		}
		label := titleWords(words, 3)
		if label == "" || seen[strings.ToLower(label)] {
			continue
		}
		seen[strings.ToLower(label)] = true

		result.Concepts = append(result.Concepts, ExtractedConcept{
			Label:       label,
			SearchTerms: lowerWords(words, 3, 5),
			Description: fmt.Sprintf("Mentioned in: %s", truncateWords(s.Text, 12)),
			Quote:       strings.TrimSpace(s.Text),
		})
	}

	for i := 0; i+1 < len(result.Concepts); i++ {
		result.Relationships = append(result.Relationships, ExtractedRelationship{
			FromLabel:  result.Concepts[i].Label,
			ToLabel:    result.Concepts[i+1].Label,
			Type:       "RELATES_TO",
			Confidence: 0.8,
		})
	}
	if m.mode == MockModeComplex && len(result.Concepts) >= 3 {
		result.Relationships = append(result.Relationships, ExtractedRelationship{
			FromLabel:  result.Concepts[0].Label,
			ToLabel:    result.Concepts[len(result.Concepts)-1].Label,
			Type:       "SUPPORTS",
			Confidence: 0.9,
		})
	}

	result.TokensOut = 32*len(result.Concepts) + 16*len(result.Relationships)
	return result, nil
}

// Describe returns a deterministic multi-sentence description keyed by the
// image digest so downstream ingestion has material to extract.
func (m *MockProvider) Describe(ctx context.Context, image []byte, mediaType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256(image)
	return fmt.Sprintf(
		"Figure %x shows a network of connected entities. The central node links every peripheral node. Peripheral nodes exchange labeled messages.",
		sum[:4]), nil
}

// titleWords builds a label from the first n words, stripped of punctuation.
func titleWords(words []string, n int) string {
	if len(words) < n {
		n = len(words)
	}
	parts := make([]string, 0, n)
	for _, w := range words[:n] {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w == "" {
			continue
		}
		r := []rune(w)
		parts = append(parts, string(unicode.ToUpper(r[0]))+string(r[1:]))
	}
	return strings.Join(parts, " ")
}

// lowerWords returns words[from:to] lowercased and stripped of punctuation.
func lowerWords(words []string, from, to int) []string {
	if from >= len(words) {
		return nil
	}
	if to > len(words) {
		to = len(words)
	}
	terms := make([]string, 0, to-from)
	for _, w := range words[from:to] {
		w = strings.Trim(strings.ToLower(w), ".,;:!?\"'()[]")
		if w != "" {
			terms = append(terms, w)
		}
	}
	return terms
}

func truncateWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return strings.TrimSpace(text)
	}
	return strings.Join(words[:n], " ")
}
