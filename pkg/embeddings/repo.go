// Package embeddings maintains the per-source sentence-chunk embedding rows
// that back source search. A sweeping worker keeps rows aligned with source
// text by content hash.
package embeddings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

// Selector scopes a regeneration sweep.
type Selector struct {
	All      bool
	Ontology string
	SourceID string
}

func (s Selector) validate() error {
	set := 0
	if s.All {
		set++
	}
	if s.Ontology != "" {
		set++
	}
	if s.SourceID != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of --all, --ontology or --source must be given")
	}
	return nil
}

// Repo persists source embedding rows.
type Repo struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewRepo creates a Repo on the given pool.
func NewRepo(db *sqlx.DB, logger observability.Logger) *Repo {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Repo{db: db, logger: logger}
}

// ReplaceForSource swaps a source's embedding rows for one strategy in a
// single transaction: superseded rows are deleted, the new rows inserted and
// the source's content hash updated together, so readers never see a mix of
// generations.
func (r *Repo) ReplaceForSource(ctx context.Context, sourceID, strategy, sourceHash string, rows []*models.SourceEmbedding) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Warn("Failed to roll back embedding transaction", map[string]interface{}{
				"error": rbErr.Error(),
			})
		}
	}()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM source_embeddings WHERE source_id = $1 AND chunk_strategy = $2`,
		sourceID, strategy)
	if err != nil {
		return fmt.Errorf("failed to delete superseded embeddings: %w", err)
	}

	insert := `INSERT INTO source_embeddings
                 (source_id, chunk_index, chunk_strategy, start_offset, end_offset,
                  chunk_text, chunk_hash, source_hash, embedding, embedding_model, dimensions)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, $10, $11)`
	for _, row := range rows {
		_, err = tx.ExecContext(ctx, insert,
			row.SourceID,
			row.ChunkIndex,
			row.ChunkStrategy,
			row.StartOffset,
			row.EndOffset,
			row.ChunkText,
			row.ChunkHash,
			row.SourceHash,
			row.Embedding,
			row.EmbeddingModel,
			row.Dimensions,
		)
		if err != nil {
			return fmt.Errorf("failed to insert embedding chunk %d: %w", row.ChunkIndex, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sources SET content_hash = $2 WHERE id = $1`,
		sourceID, sourceHash)
	if err != nil {
		return fmt.Errorf("failed to update source content hash: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit embedding transaction: %w", err)
	}
	return nil
}

// ListSources pages through the sources a selector covers, keyset-paginated
// by id. Hash comparison happens in the worker, so rows come back with their
// full text.
func (r *Repo) ListSources(ctx context.Context, sel Selector, afterID string, limit int) ([]*models.Source, error) {
	if err := sel.validate(); err != nil {
		return nil, err
	}

	var (
		query string
		args  []interface{}
	)
	switch {
	case sel.SourceID != "":
		query = `SELECT id, ontology, document_name, paragraph, full_text, content_hash, object_key, created_at
                 FROM sources WHERE id = $1`
		args = []interface{}{sel.SourceID}
	case sel.Ontology != "":
		query = `SELECT id, ontology, document_name, paragraph, full_text, content_hash, object_key, created_at
                 FROM sources WHERE ontology = $1 AND id > $2 ORDER BY id LIMIT $3`
		args = []interface{}{sel.Ontology, afterID, limit}
	default:
		query = `SELECT id, ontology, document_name, paragraph, full_text, content_hash, object_key, created_at
                 FROM sources WHERE id > $1 ORDER BY id LIMIT $2`
		args = []interface{}{afterID, limit}
	}

	var sources []*models.Source
	if err := sqlx.SelectContext(ctx, r.db, &sources, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

// CountSources reports how many sources a selector covers, for progress
// totals.
func (r *Repo) CountSources(ctx context.Context, sel Selector) (int64, error) {
	if err := sel.validate(); err != nil {
		return 0, err
	}

	var (
		query string
		args  []interface{}
	)
	switch {
	case sel.SourceID != "":
		query = `SELECT COUNT(*) FROM sources WHERE id = $1`
		args = []interface{}{sel.SourceID}
	case sel.Ontology != "":
		query = `SELECT COUNT(*) FROM sources WHERE ontology = $1`
		args = []interface{}{sel.Ontology}
	default:
		query = `SELECT COUNT(*) FROM sources`
	}

	var count int64
	if err := sqlx.GetContext(ctx, r.db, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count sources: %w", err)
	}
	return count, nil
}

// SearchSources is the API-facing source search: nearest sentence chunks
// joined back to their sources. A row whose recorded source hash no longer
// matches the source's current hash is flagged stale; its offsets may not
// line up with the text anymore.
func (r *Repo) SearchSources(ctx context.Context, embedding models.Vector, ontology string, limit int) ([]models.SourceSearchResult, error) {
	query := `SELECT se.source_id, s.ontology, s.document_name, se.chunk_index, se.chunk_text,
                     se.start_offset, se.end_offset, s.full_text,
                     1 - (se.embedding <=> $1::vector) AS similarity,
                     (s.content_hash IS NULL OR s.content_hash <> se.source_hash) AS is_stale
              FROM source_embeddings se
              JOIN sources s ON s.id = se.source_id
              WHERE ($2 = '' OR s.ontology = $2) AND se.embedding IS NOT NULL
              ORDER BY se.embedding <=> $1::vector, se.source_id, se.chunk_index
              LIMIT $3`

	var results []models.SourceSearchResult
	if err := sqlx.SelectContext(ctx, r.db, &results, query, embedding, ontology, limit); err != nil {
		return nil, fmt.Errorf("failed to search sources: %w", err)
	}
	return results, nil
}
