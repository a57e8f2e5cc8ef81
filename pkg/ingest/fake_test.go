package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gnosis-kg/gnosis/pkg/artifacts"
	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/graph"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/providers"
)

// fakeGraph is an in-memory stand-in for the graph facade. Matching is by
// exact lowercased label, which keeps tests deterministic: a repeated label
// merges, everything else creates.
type fakeGraph struct {
	mu            sync.Mutex
	sources       map[string]*models.Source
	concepts      map[string]*models.Concept
	order         []string
	byLabel       map[string]string
	instances     map[string]bool
	relationships map[string]*models.Relationship
	epoch         int64
	epochBumps    int

	createSourceErr map[string]error
	matchErr        map[string]error
	relErr          error
	recentErr       error
	onBumpEpoch     func()
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		sources:       make(map[string]*models.Source),
		concepts:      make(map[string]*models.Concept),
		byLabel:       make(map[string]string),
		instances:     make(map[string]bool),
		relationships: make(map[string]*models.Relationship),
	}
}

func labelKey(ontology, label string) string {
	return ontology + "\x00" + strings.ToLower(label)
}

func (f *fakeGraph) CreateSource(ctx context.Context, src *models.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createSourceErr[src.ID]; err != nil {
		return err
	}
	cp := *src
	f.sources[cp.ID] = &cp
	return nil
}

func (f *fakeGraph) MatchOrCreate(ctx context.Context, cand *graph.Candidate, cfg config.MatcherConfig) (*graph.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.matchErr[strings.ToLower(cand.Label)]; err != nil {
		return nil, err
	}

	res := &graph.UpsertResult{}
	key := labelKey(cand.Ontology, cand.Label)
	if id, ok := f.byLabel[key]; ok {
		existing := f.concepts[id]
		existing.Provenance = append(existing.Provenance, cand.SourceID)
		existing.SearchTerms = append(existing.SearchTerms, cand.SearchTerms...)
		res.ConceptID = id
		res.Matched = true
		res.MatchedLabel = existing.Label
		res.Similarity = 0.97
	} else {
		cp := &models.Concept{
			ID:          cand.ConceptID,
			Ontology:    cand.Ontology,
			Label:       cand.Label,
			SearchTerms: append([]string(nil), cand.SearchTerms...),
			Description: cand.Description,
			Embedding:   cand.Embedding,
			Provenance:  []string{cand.SourceID},
		}
		f.concepts[cp.ID] = cp
		f.order = append(f.order, cp.ID)
		f.byLabel[key] = cp.ID
		res.ConceptID = cp.ID
	}

	if cand.Quote != "" {
		instKey := res.ConceptID + "\x00" + cand.SourceID + "\x00" + cand.Quote
		if !f.instances[instKey] {
			f.instances[instKey] = true
			res.EvidenceAppended = true
		}
	}
	return res, nil
}

func (f *fakeGraph) MergeRelationship(ctx context.Context, rel *models.Relationship) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relErr != nil {
		return false, f.relErr
	}
	key := rel.FromID + "\x00" + rel.ToID + "\x00" + rel.Type
	if existing, ok := f.relationships[key]; ok {
		existing.Provenance = append(existing.Provenance, rel.Provenance...)
		return false, nil
	}
	cp := *rel
	f.relationships[key] = &cp
	return true, nil
}

func (f *fakeGraph) RecentConcepts(ctx context.Context, ontology string, limit int) ([]*models.Concept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	var out []*models.Concept
	for i := len(f.order) - 1; i >= 0 && len(out) < limit; i-- {
		c := f.concepts[f.order[i]]
		if c.Ontology != ontology {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeGraph) BumpEpoch(ctx context.Context) (int64, error) {
	f.mu.Lock()
	f.epoch++
	f.epochBumps++
	epoch := f.epoch
	hook := f.onBumpEpoch
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return epoch, nil
}

// CreateConcept and AppendEvidence make the fake double as a restore target.
func (f *fakeGraph) CreateConcept(ctx context.Context, c *models.Concept) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.concepts[cp.ID] = &cp
	f.order = append(f.order, cp.ID)
	f.byLabel[labelKey(cp.Ontology, cp.Label)] = cp.ID
	return nil
}

func (f *fakeGraph) AppendEvidence(ctx context.Context, inst *models.Instance) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := inst.ConceptID + "\x00" + inst.SourceID + "\x00" + inst.Quote
	if f.instances[key] {
		return false, nil
	}
	f.instances[key] = true
	return true, nil
}

func (f *fakeGraph) sourceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

func (f *fakeGraph) source(id string) *models.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok {
		return nil
	}
	cp := *src
	return &cp
}

func (f *fakeGraph) conceptByLabel(ontology, label string) *models.Concept {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byLabel[labelKey(ontology, label)]
	if !ok {
		return nil
	}
	cp := *f.concepts[id]
	return &cp
}

func (f *fakeGraph) relationshipCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.relationships)
}

func (f *fakeGraph) hasRelationshipType(relType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rel := range f.relationships {
		if rel.Type == relType {
			return true
		}
	}
	return false
}

func (f *fakeGraph) relationship(fromID, toID, relType string) *models.Relationship {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel, ok := f.relationships[fromID+"\x00"+toID+"\x00"+relType]
	if !ok {
		return nil
	}
	cp := *rel
	return &cp
}

func (f *fakeGraph) bumps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epochBumps
}

// scriptedExtractor delegates to fn and records every call.
type scriptedExtractor struct {
	mu       sync.Mutex
	fn       func(text string, ec providers.ExtractionContext) (*providers.ExtractionResult, error)
	texts    []string
	contexts []providers.ExtractionContext
}

func (e *scriptedExtractor) Extract(ctx context.Context, chunkText string, ec providers.ExtractionContext) (*providers.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.texts = append(e.texts, chunkText)
	e.contexts = append(e.contexts, ec)
	e.mu.Unlock()
	return e.fn(chunkText, ec)
}

func (e *scriptedExtractor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.texts)
}

func (e *scriptedExtractor) contextAt(i int) providers.ExtractionContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.contexts) {
		return providers.ExtractionContext{}
	}
	return e.contexts[i]
}

// extractionOf builds a minimal result for tests.
func extractionOf(concepts []providers.ExtractedConcept, rels []providers.ExtractedRelationship) *providers.ExtractionResult {
	return &providers.ExtractionResult{
		Concepts:      concepts,
		Relationships: rels,
		TokensIn:      100,
		TokensOut:     40,
	}
}

// scriptedEmbedder embeds every text to the same small vector. rejects maps
// exact embed text to an error; transient fails that many leading calls with
// a retryable error.
type scriptedEmbedder struct {
	mu        sync.Mutex
	rejects   map[string]error
	transient int
	callCount int
}

func (e *scriptedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callCount++
	if e.transient > 0 {
		e.transient--
		return nil, &models.ProviderUnavailableError{Provider: "fake", Err: errors.New("throttled")}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err, ok := e.rejects[t]; ok {
			return nil, err
		}
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (e *scriptedEmbedder) Dimensions() int { return 3 }

func (e *scriptedEmbedder) ModelName() string { return "fake-embed" }

func (e *scriptedEmbedder) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callCount
}

// fakeSourceEmbedder records which sources were handed to the embedding
// subsystem.
type fakeSourceEmbedder struct {
	mu      sync.Mutex
	ids     []string
	err     error
	written int
}

func (f *fakeSourceEmbedder) ProcessSource(ctx context.Context, src *models.Source) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.ids = append(f.ids, src.ID)
	f.written++
	return 1, nil
}

func (f *fakeSourceEmbedder) processed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

// fakeVision returns a fixed description and records the media type.
type fakeVision struct {
	mu          sync.Mutex
	description string
	err         error
	mediaTypes  []string
}

func (v *fakeVision) Describe(ctx context.Context, image []byte, mediaType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v.mu.Lock()
	v.mediaTypes = append(v.mediaTypes, mediaType)
	v.mu.Unlock()
	if v.err != nil {
		return "", v.err
	}
	return v.description, nil
}

func (v *fakeVision) seenMediaTypes() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.mediaTypes...)
}

// fakeSummaryGraph serves canned analysis answers.
type fakeSummaryGraph struct {
	stats    *models.GraphStats
	top      []graph.ConceptEvidence
	relTypes map[string]int64
	err      error
}

func (f *fakeSummaryGraph) Stats(ctx context.Context, ontology string) (*models.GraphStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.stats
	cp.Ontology = ontology
	return &cp, nil
}

func (f *fakeSummaryGraph) TopConceptsByEvidence(ctx context.Context, ontology string, limit int) ([]graph.ConceptEvidence, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.top) {
		return f.top[:limit], nil
	}
	return f.top, nil
}

func (f *fakeSummaryGraph) RelationshipTypeCounts(ctx context.Context, ontology string) (map[string]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.relTypes, nil
}

// fakeArtifacts records creates and assigns sequential ids.
type fakeArtifacts struct {
	mu      sync.Mutex
	created []artifactsCreateCall
	err     error
	epoch   int64
}

type artifactsCreateCall struct {
	Type    string
	Owner   string
	Params  models.JSONMap
	Payload []byte
}

func (f *fakeArtifacts) Create(ctx context.Context, in artifacts.CreateInput) (*models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, artifactsCreateCall{
		Type:    in.Type,
		Owner:   in.Owner,
		Params:  in.Params,
		Payload: append([]byte(nil), in.Payload...),
	})
	return &models.Artifact{
		ID:         fmt.Sprintf("artifact-%d", len(f.created)),
		Type:       in.Type,
		Owner:      in.Owner,
		Params:     in.Params,
		GraphEpoch: f.epoch,
	}, nil
}

func (f *fakeArtifacts) lastCreate() artifactsCreateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return artifactsCreateCall{}
	}
	return f.created[len(f.created)-1]
}
