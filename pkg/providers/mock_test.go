package providers

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePassage = "Distributed authority shapes modern systems. Consensus protocols coordinate replicas. Failure detectors bound suspicion. Quorum intersection preserves safety."

func TestMockEmbedDeterministic(t *testing.T) {
	m := NewMockProvider(MockModeDefault, 64)
	ctx := context.Background()

	a, err := m.Embed(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	b, err := m.Embed(ctx, []string{"hello", "world"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a[0], a[1])
	assert.Len(t, a[0], 64)
}

func TestMockEmbedNormalized(t *testing.T) {
	m := NewMockProvider(MockModeDefault, 384)
	vecs, err := m.Embed(context.Background(), []string{"normalize me"})
	require.NoError(t, err)

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestMockExtractModes(t *testing.T) {
	tests := []struct {
		mode     string
		concepts int
		rels     int
	}{
		{mode: MockModeEmpty, concepts: 0, rels: 0},
		{mode: MockModeSimple, concepts: 1, rels: 0},
		{mode: MockModeDefault, concepts: 3, rels: 2},
		{mode: MockModeComplex, concepts: 4, rels: 4},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			m := NewMockProvider(tt.mode, 64)
			res, err := m.Extract(context.Background(), samplePassage, ExtractionContext{Ontology: "test"})
			require.NoError(t, err)
			assert.Len(t, res.Concepts, tt.concepts)
			assert.Len(t, res.Relationships, tt.rels)
		})
	}
}

func TestMockExtractQuotesAreSubstrings(t *testing.T) {
	m := NewMockProvider(MockModeDefault, 64)
	res, err := m.Extract(context.Background(), samplePassage, ExtractionContext{Ontology: "test"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Concepts)

	for _, c := range res.Concepts {
		assert.True(t, strings.Contains(samplePassage, c.Quote),
			"quote %q must be a substring of the chunk", c.Quote)
		assert.NotEmpty(t, c.Label)
	}
}

func TestMockExtractDeterministic(t *testing.T) {
	m := NewMockProvider(MockModeDefault, 64)
	ctx := context.Background()

	first, err := m.Extract(ctx, samplePassage, ExtractionContext{Ontology: "test"})
	require.NoError(t, err)
	second, err := m.Extract(ctx, samplePassage, ExtractionContext{Ontology: "test"})
	require.NoError(t, err)

	assert.Equal(t, first.Concepts, second.Concepts)
	assert.Equal(t, first.Relationships, second.Relationships)
}

func TestMockExtractRelationshipChain(t *testing.T) {
	m := NewMockProvider(MockModeDefault, 64)
	res, err := m.Extract(context.Background(), samplePassage, ExtractionContext{Ontology: "test"})
	require.NoError(t, err)
	require.Len(t, res.Relationships, 2)

	assert.Equal(t, res.Concepts[0].Label, res.Relationships[0].FromLabel)
	assert.Equal(t, res.Concepts[1].Label, res.Relationships[0].ToLabel)
	assert.Equal(t, "RELATES_TO", res.Relationships[0].Type)
	assert.Equal(t, 0.8, res.Relationships[0].Confidence)
}

func TestMockExtractEmptyChunk(t *testing.T) {
	m := NewMockProvider(MockModeDefault, 64)
	res, err := m.Extract(context.Background(), "", ExtractionContext{Ontology: "test"})
	require.NoError(t, err)
	assert.Empty(t, res.Concepts)
	assert.Empty(t, res.Relationships)
}

func TestMockDescribeDeterministic(t *testing.T) {
	m := NewMockProvider(MockModeDefault, 64)
	ctx := context.Background()

	img := []byte{0x89, 0x50, 0x4e, 0x47}
	a, err := m.Describe(ctx, img, "image/png")
	require.NoError(t, err)
	b, err := m.Describe(ctx, img, "image/png")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Contains(t, a, ".")
}
