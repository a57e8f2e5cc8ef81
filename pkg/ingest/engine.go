// Package ingest turns documents into graph writes. The engine chunks a
// document, extracts concepts and relationships per chunk, and upserts them
// through the graph facade so every chunk sees what earlier chunks produced.
// The workers in this package adapt the engine and its sibling subsystems to
// the job queue, one worker per job kind.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gnosis-kg/gnosis/pkg/chunking"
	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/graph"
	"github.com/gnosis-kg/gnosis/pkg/jobs"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/providers"
	"github.com/gnosis-kg/gnosis/pkg/resilience"
)

// Graph is the graph facade surface the engine writes through.
type Graph interface {
	CreateSource(ctx context.Context, src *models.Source) error
	MatchOrCreate(ctx context.Context, cand *graph.Candidate, cfg config.MatcherConfig) (*graph.UpsertResult, error)
	MergeRelationship(ctx context.Context, rel *models.Relationship) (bool, error)
	RecentConcepts(ctx context.Context, ontology string, limit int) ([]*models.Concept, error)
	BumpEpoch(ctx context.Context) (int64, error)
}

// SourceEmbedder re-embeds one source's text after the source is committed.
type SourceEmbedder interface {
	ProcessSource(ctx context.Context, src *models.Source) (int, error)
}

// Input is one document ready for chunked ingestion.
type Input struct {
	JobID        string
	Ontology     string
	DocumentName string
	Text         string
	Mode         models.ProcessingMode
	ChunkConfig  chunking.Config
	ObjectKey    string
}

// Report summarizes one engine run. Stats describe the work committed before
// any failure; token counts feed the cost actuals on the job result.
type Report struct {
	Stats      models.IngestStats
	ChunkCount int
	TokensIn   int64
	TokensOut  int64
}

// Engine runs the per-chunk upsert loop. One engine serves every ingestion
// job; per-job state lives on the stack of Run.
type Engine struct {
	graph     Graph
	embedder  providers.Embedder
	extractor providers.Extractor
	sources   SourceEmbedder
	vocab     *models.Vocabulary
	matcher   config.MatcherConfig
	ingestion config.IngestionConfig
	logger    observability.Logger
}

// NewEngine wires the engine. sources may be nil when source embeddings are
// handled out of band.
func NewEngine(g Graph, embedder providers.Embedder, extractor providers.Extractor, sources SourceEmbedder,
	vocab *models.Vocabulary, matcher config.MatcherConfig, ingestion config.IngestionConfig,
	logger observability.Logger) *Engine {
	if vocab == nil {
		vocab = models.NewVocabulary(models.DefaultVocabulary())
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Engine{
		graph:     g,
		embedder:  embedder,
		extractor: extractor,
		sources:   sources,
		vocab:     vocab,
		matcher:   matcher,
		ingestion: ingestion,
		logger:    logger,
	}
}

// Run chunks the document and upserts every chunk: in order for serial mode,
// across a bounded worker group for parallel mode. The returned report is
// valid even on error. Serial mode stops at the first failed chunk; parallel
// mode lets in-flight chunks finish and reports the lowest-numbered failure.
func (e *Engine) Run(ctx context.Context, in Input, progress *jobs.Reporter) (*Report, error) {
	report := &Report{}

	chunks := chunking.NewChunker(in.ChunkConfig).Chunk(in.Text)
	report.ChunkCount = len(chunks)
	if len(chunks) == 0 {
		progress.Emit(ctx, "ingesting", 0, 0, "document is empty", nil)
		return report, nil
	}

	e.logger.Info("Ingestion started", map[string]interface{}{
		"job_id":   in.JobID,
		"ontology": in.Ontology,
		"document": in.DocumentName,
		"chunks":   len(chunks),
		"mode":     string(in.Mode),
	})

	window := newContextWindow(e.ingestion.ContextChunks)
	var err error
	if in.Mode == models.ProcessingParallel {
		err = e.runParallel(ctx, in, chunks, window, report, progress)
	} else {
		err = e.runSerial(ctx, in, chunks, window, report, progress)
	}
	return report, err
}

func (e *Engine) runSerial(ctx context.Context, in Input, chunks []chunking.Chunk,
	window *contextWindow, report *Report, progress *jobs.Reporter) error {
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := e.processChunk(ctx, in, chunk, window)
		report.absorb(outcome)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", chunk.Number, err)
		}
		window.add(outcome.concepts)
		e.emit(ctx, progress, outcome, int(report.Stats.ChunksProcessed), len(chunks))
	}
	return nil
}

// runParallel fans chunks over a bounded worker group. A failed chunk does
// not stop the others; only outside cancellation does. The shared context
// window means later-finishing chunks still see earlier concepts, just not
// deterministically.
func (e *Engine) runParallel(ctx context.Context, in Input, chunks []chunking.Chunk,
	window *contextWindow, report *Report, progress *jobs.Reporter) error {
	workers := e.ingestion.ParallelWorkers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(chunks) {
		workers = len(chunks)
	}

	var (
		mu       sync.Mutex
		failures []chunkFailure
	)
	feed := make(chan chunking.Chunk)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range feed {
				if ctx.Err() != nil {
					return
				}
				outcome, err := e.processChunk(ctx, in, chunk, window)
				mu.Lock()
				report.absorb(outcome)
				if err != nil {
					failures = append(failures, chunkFailure{number: chunk.Number, err: err})
				} else {
					window.add(outcome.concepts)
					e.emit(ctx, progress, outcome, int(report.Stats.ChunksProcessed), len(chunks))
				}
				mu.Unlock()
			}
		}()
	}

	for _, chunk := range chunks {
		select {
		case feed <- chunk:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(feed)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failures) > 0 {
		first := failures[0]
		for _, f := range failures[1:] {
			if f.number < first.number {
				first = f
			}
		}
		return fmt.Errorf("chunk %d (%d of %d chunks failed): %w",
			first.number, len(failures), len(chunks), first.err)
	}
	return nil
}

type chunkFailure struct {
	number int
	err    error
}

// chunkOutcome is what one committed chunk contributed.
type chunkOutcome struct {
	stats     models.IngestStats
	concepts  []providers.ContextConcept
	tokensIn  int64
	tokensOut int64
}

func (r *Report) absorb(o *chunkOutcome) {
	r.Stats.Add(o.stats)
	r.TokensIn += o.tokensIn
	r.TokensOut += o.tokensOut
}

// processChunk runs the upsert for one chunk: create the source, assemble
// extraction context, extract, then match-or-create every concept and merge
// every resolvable relationship. The graph epoch is bumped once at the end.
// The returned outcome covers whatever was committed, even on error.
func (e *Engine) processChunk(ctx context.Context, in Input, chunk chunking.Chunk, window *contextWindow) (*chunkOutcome, error) {
	outcome := &chunkOutcome{}
	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	sourceID := fmt.Sprintf("%s_chunk%d", documentStem(in.DocumentName), chunk.Number)
	src := &models.Source{
		ID:           sourceID,
		Ontology:     in.Ontology,
		DocumentName: in.DocumentName,
		Paragraph:    chunk.Number,
		FullText:     chunk.Text,
	}
	if in.ObjectKey != "" {
		key := in.ObjectKey
		src.ObjectKey = &key
	}
	if err := e.graph.CreateSource(ctx, src); err != nil {
		return outcome, err
	}
	outcome.stats.SourcesCreated++

	ec := providers.ExtractionContext{
		Ontology:       in.Ontology,
		RecentConcepts: e.assembleContext(ctx, in.Ontology, window),
		Vocabulary:     e.vocab.Types(),
	}

	extraction, err := e.extract(ctx, chunk.Text, ec)
	if err != nil {
		return outcome, err
	}
	outcome.tokensIn = int64(extraction.TokensIn)
	outcome.tokensOut = int64(extraction.TokensOut)
	outcome.stats.ExtractionTokens = int64(extraction.TokensIn + extraction.TokensOut)

	labelToID := make(map[string]string, len(extraction.Concepts))
	for _, c := range extraction.Concepts {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		label := strings.TrimSpace(c.Label)
		if label == "" {
			continue
		}

		embedText := label
		if len(c.SearchTerms) > 0 {
			embedText = label + " " + strings.Join(c.SearchTerms, " ")
		}
		vector, err := e.embedOne(ctx, embedText)
		if err != nil {
			if models.IsProviderInvalidRequest(err) {
				// Only this candidate is rejected; the chunk carries on.
				outcome.stats.Warnings = append(outcome.stats.Warnings,
					fmt.Sprintf("chunk %d: embedding rejected for %q", chunk.Number, label))
				continue
			}
			return outcome, err
		}
		outcome.stats.EmbeddingTokens += approxTokens(embedText)

		res, err := e.graph.MatchOrCreate(ctx, &graph.Candidate{
			Ontology:    in.Ontology,
			SourceID:    sourceID,
			ConceptID:   fmt.Sprintf("%s_%s", sourceID, uuid.NewString()[:8]),
			InstanceID:  uuid.NewString(),
			Label:       label,
			SearchTerms: c.SearchTerms,
			Description: c.Description,
			Quote:       strings.TrimSpace(c.Quote),
			Embedding:   models.Vector(vector),
			Model:       e.embedder.ModelName(),
		}, e.matcher)
		if err != nil {
			return outcome, err
		}

		if res.Matched {
			outcome.stats.ConceptsMatched++
			e.logger.Debug("Concept matched", map[string]interface{}{
				"label":      label,
				"matched":    res.MatchedLabel,
				"similarity": res.Similarity,
			})
		} else {
			outcome.stats.ConceptsCreated++
			outcome.concepts = append(outcome.concepts, providers.ContextConcept{
				Label:       label,
				Description: c.Description,
			})
		}
		if res.EvidenceAppended {
			outcome.stats.InstancesCreated++
			outcome.stats.EvidenceAppended++
		}
		labelToID[strings.ToLower(label)] = res.ConceptID
	}

	for _, r := range extraction.Relationships {
		fromID, okFrom := labelToID[strings.ToLower(strings.TrimSpace(r.FromLabel))]
		toID, okTo := labelToID[strings.ToLower(strings.TrimSpace(r.ToLabel))]
		if !okFrom || !okTo || fromID == toID {
			outcome.stats.DanglingRelationships++
			continue
		}
		relType := normalizeRelType(r.Type)
		if !e.vocab.Allows(relType) {
			outcome.stats.VocabularyViolations++
			continue
		}
		created, err := e.graph.MergeRelationship(ctx, &models.Relationship{
			ID:         uuid.NewString(),
			Ontology:   in.Ontology,
			FromID:     fromID,
			ToID:       toID,
			Type:       relType,
			Confidence: clamp01(r.Confidence),
			Provenance: []string{sourceID},
		})
		if err != nil {
			return outcome, err
		}
		if created {
			outcome.stats.RelationshipsCreated++
		} else {
			outcome.stats.RelationshipsMerged++
		}
	}

	if e.sources != nil {
		if _, err := e.sources.ProcessSource(ctx, src); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcome, ctxErr
			}
			// Regeneration cures missing rows later; the chunk stands.
			outcome.stats.Warnings = append(outcome.stats.Warnings,
				fmt.Sprintf("chunk %d: source embedding failed: %v", chunk.Number, err))
		} else {
			outcome.stats.EmbeddingTokens += approxTokens(chunk.Text)
		}
	}

	if _, err := e.graph.BumpEpoch(ctx); err != nil {
		return outcome, err
	}
	outcome.stats.ChunksProcessed++
	return outcome, nil
}

// assembleContext builds the extractor priors: concepts from the recent
// chunk window first, then the ontology's most recent concepts, deduplicated
// by label. Priors are best effort; a listing failure costs recall, not the
// chunk.
func (e *Engine) assembleContext(ctx context.Context, ontology string, window *contextWindow) []providers.ContextConcept {
	out := window.snapshot()
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[strings.ToLower(c.Label)] = true
	}

	limit := e.ingestion.ContextConcepts
	if limit <= 0 {
		limit = 50
	}
	recent, err := e.graph.RecentConcepts(ctx, ontology, limit)
	if err != nil {
		e.logger.Warn("Failed to list recent concepts for context", map[string]interface{}{
			"ontology": ontology,
			"error":    err.Error(),
		})
		return out
	}
	for _, c := range recent {
		key := strings.ToLower(c.Label)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, providers.ContextConcept{Label: c.Label, Description: c.Description})
	}
	return out
}

func (e *Engine) emit(ctx context.Context, progress *jobs.Reporter, o *chunkOutcome, done, total int) {
	progress.Emit(ctx, "ingesting", done, total,
		fmt.Sprintf("chunk %d/%d", done, total),
		map[string]int64{
			"sources_created":       o.stats.SourcesCreated,
			"concepts_created":      o.stats.ConceptsCreated,
			"concepts_matched":      o.stats.ConceptsMatched,
			"relationships_created": o.stats.RelationshipsCreated,
			"relationships_merged":  o.stats.RelationshipsMerged,
			"evidence_appended":     o.stats.EvidenceAppended,
		})
}

// extract calls the extractor with the per-chunk retry budget. Transient
// provider failures retry; invalid requests and cancellations do not.
func (e *Engine) extract(ctx context.Context, text string, ec providers.ExtractionContext) (*providers.ExtractionResult, error) {
	return resilience.RetryWithResult(ctx, providerRetryPolicy(), func() (*providers.ExtractionResult, error) {
		return e.extractor.Extract(ctx, text, ec)
	})
}

func (e *Engine) embedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := resilience.RetryWithResult(ctx, providerRetryPolicy(), func() ([][]float32, error) {
		return e.embedder.Embed(ctx, []string{text})
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one text", len(vectors))
	}
	return vectors[0], nil
}

// contextWindow tracks the concepts the last few chunks created so later
// chunks can reuse their labels. Parallel mode shares one window across
// chunk workers.
type contextWindow struct {
	mu     sync.Mutex
	size   int
	chunks [][]providers.ContextConcept
}

func newContextWindow(size int) *contextWindow {
	if size <= 0 {
		size = 3
	}
	return &contextWindow{size: size}
}

func (w *contextWindow) add(concepts []providers.ContextConcept) {
	if len(concepts) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunks = append(w.chunks, concepts)
	if len(w.chunks) > w.size {
		w.chunks = w.chunks[len(w.chunks)-w.size:]
	}
}

// snapshot returns the window newest chunk first.
func (w *contextWindow) snapshot() []providers.ContextConcept {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []providers.ContextConcept
	for i := len(w.chunks) - 1; i >= 0; i-- {
		out = append(out, w.chunks[i]...)
	}
	return out
}

// documentStem derives the source-id prefix from a document name: base name
// without extension, lowercased, runs of everything else collapsed to one
// underscore.
func documentStem(name string) string {
	base := name
	if i := strings.LastIndexAny(base, "/\\"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	stem := strings.Trim(b.String(), "_")
	if stem == "" {
		stem = "document"
	}
	return stem
}

// normalizeRelType canonicalizes extractor type symbols for the allowlist
// check: trimmed, uppercased, inner whitespace as underscores.
func normalizeRelType(t string) string {
	return strings.ToUpper(strings.Join(strings.Fields(strings.TrimSpace(t)), "_"))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// approxTokens estimates embedding token usage, which embedders do not
// report: words times 1.3.
func approxTokens(text string) int64 {
	return int64(float64(len(strings.Fields(text))) * 1.3)
}
