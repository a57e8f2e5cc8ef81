package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gnosis-kg/gnosis/pkg/chunking"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/providers"
)

const listBatchSize = 100

// ProgressFunc receives sweep progress. total is -1 when unknown.
type ProgressFunc func(done, total int64, message string)

// RegenerateResult summarizes a sweep.
type RegenerateResult struct {
	SourcesScanned int64 `json:"sources_scanned"`
	SourcesUpdated int64 `json:"sources_updated"`
	SourcesSkipped int64 `json:"sources_skipped"`
	ChunksEmbedded int64 `json:"chunks_embedded"`
}

// Worker embeds source text sentence-by-sentence and keeps the rows aligned
// with the source's content hash.
type Worker struct {
	repo     *Repo
	embedder providers.Embedder
	maxChars int
	logger   observability.Logger
}

// NewWorker creates a Worker. maxChars bounds sentence chunks; zero means
// the chunker default.
func NewWorker(repo *Repo, embedder providers.Embedder, maxChars int, logger observability.Logger) *Worker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Worker{
		repo:     repo,
		embedder: embedder,
		maxChars: maxChars,
		logger:   logger,
	}
}

// ProcessSource re-embeds one source: sentence-chunk, batch-embed, then swap
// the rows and content hash in one transaction. Returns the number of chunks
// written.
func (w *Worker) ProcessSource(ctx context.Context, src *models.Source) (int, error) {
	sourceHash := hashText(src.FullText)
	chunks := chunking.ChunkBySentence(src.FullText, w.maxChars)

	rows := make([]*models.SourceEmbedding, 0, len(chunks))
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}

		vectors, err := w.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to embed source %s: %w", src.ID, err)
		}
		if len(vectors) != len(chunks) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}

		for i, c := range chunks {
			rows = append(rows, &models.SourceEmbedding{
				SourceID:       src.ID,
				ChunkIndex:     c.Index,
				ChunkStrategy:  models.ChunkStrategySentence,
				StartOffset:    c.Start,
				EndOffset:      c.End,
				ChunkText:      c.Text,
				ChunkHash:      hashText(c.Text),
				SourceHash:     sourceHash,
				Embedding:      vectors[i],
				EmbeddingModel: w.embedder.ModelName(),
				Dimensions:     w.embedder.Dimensions(),
			})
		}
	}

	if err := w.repo.ReplaceForSource(ctx, src.ID, models.ChunkStrategySentence, sourceHash, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Regenerate sweeps the sources a selector covers, re-embedding any whose
// content hash is missing or no longer matches the text. Fresh sources are
// left alone, stale rows included: they stay queryable (flagged stale) until
// their replacement lands.
func (w *Worker) Regenerate(ctx context.Context, sel Selector, progress ProgressFunc) (*RegenerateResult, error) {
	if progress == nil {
		progress = func(int64, int64, string) {}
	}

	total, err := w.repo.CountSources(ctx, sel)
	if err != nil {
		return nil, err
	}

	result := &RegenerateResult{}
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		sources, err := w.repo.ListSources(ctx, sel, afterID, listBatchSize)
		if err != nil {
			return result, err
		}
		if len(sources) == 0 {
			break
		}

		for _, src := range sources {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			result.SourcesScanned++
			if src.ContentHash != nil && *src.ContentHash == hashText(src.FullText) {
				result.SourcesSkipped++
				progress(result.SourcesScanned, total, fmt.Sprintf("skipped %s (fresh)", src.ID))
				continue
			}

			n, err := w.ProcessSource(ctx, src)
			if err != nil {
				return result, err
			}
			result.SourcesUpdated++
			result.ChunksEmbedded += int64(n)
			progress(result.SourcesScanned, total, fmt.Sprintf("embedded %s (%d chunks)", src.ID, n))
		}

		if sel.SourceID != "" {
			break
		}
		afterID = sources[len(sources)-1].ID
	}

	w.logger.Info("Embedding sweep finished", map[string]interface{}{
		"scanned": result.SourcesScanned,
		"updated": result.SourcesUpdated,
		"skipped": result.SourcesSkipped,
		"chunks":  result.ChunksEmbedded,
	})
	return result, nil
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
