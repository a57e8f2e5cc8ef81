// Package graph is the typed facade over the concept graph. Every mutation
// goes through one of its methods; no caller-supplied query text ever
// reaches the database. Mutations are idempotent, keyed by stable ids or by
// natural keys (endpoint pair + type for relationships, concept + source +
// quote for evidence), so job retries are safe.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

type querier interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// session carries the queries shared by Store (pool-backed) and Tx
// (transaction-backed).
type session struct {
	q querier
}

// Store is the pool-backed facade.
type Store struct {
	session
	db     *sqlx.DB
	logger observability.Logger
}

// Tx is the facade bound to a single transaction.
type Tx struct {
	session
	tx *sqlx.Tx
}

// NewStore creates a Store on the given pool.
func NewStore(db *sqlx.DB, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Store{
		session: session{q: db},
		db:      db,
		logger:  logger,
	}
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := &Tx{session: session{q: tx}, tx: tx}
	if err := fn(t); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Failed to roll back transaction", map[string]interface{}{
				"error": rbErr.Error(),
			})
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LockLabel serializes concurrent upserts of the same label within an
// ontology. The advisory lock is transaction-scoped and released on
// commit or rollback.
func (t *Tx) LockLabel(ctx context.Context, ontology, label string) error {
	key := ontology + ":" + strings.ToLower(label)
	if _, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to acquire label lock: %w", err)
	}
	return nil
}

// CreateSource inserts a source row. Re-inserting an existing id is a no-op.
func (s *session) CreateSource(ctx context.Context, src *models.Source) error {
	query := `INSERT INTO sources (id, ontology, document_name, paragraph, full_text, content_hash, object_key)
              VALUES ($1, $2, $3, $4, $5, $6, $7)
              ON CONFLICT (id) DO NOTHING`

	_, err := s.q.ExecContext(ctx, query,
		src.ID,
		src.Ontology,
		src.DocumentName,
		src.Paragraph,
		src.FullText,
		src.ContentHash,
		src.ObjectKey,
	)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	return nil
}

// GetSource loads a source by id.
func (s *session) GetSource(ctx context.Context, id string) (*models.Source, error) {
	query := `SELECT id, ontology, document_name, paragraph, full_text, content_hash, object_key, created_at
              FROM sources WHERE id = $1`

	var src models.Source
	if err := sqlx.GetContext(ctx, s.q, &src, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: source %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load source: %w", err)
	}
	return &src, nil
}

// CreateConcept inserts a concept row. Re-inserting an existing id is a
// no-op, which keeps retried chunks from duplicating nodes.
func (s *session) CreateConcept(ctx context.Context, c *models.Concept) error {
	query := `INSERT INTO concepts (id, ontology, label, search_terms, description, embedding, embedding_model, provenance)
              VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8)
              ON CONFLICT (id) DO NOTHING`

	_, err := s.q.ExecContext(ctx, query,
		c.ID,
		c.Ontology,
		c.Label,
		c.SearchTerms,
		c.Description,
		c.Embedding,
		c.EmbeddingModel,
		c.Provenance,
	)
	if err != nil {
		return fmt.Errorf("failed to create concept: %w", err)
	}
	return nil
}

// MergeConcept unions new search terms and a source id into an existing
// concept. Arrays are deduplicated and kept sorted so repeated merges
// converge to one representation.
func (s *session) MergeConcept(ctx context.Context, conceptID string, terms []string, sourceID string) error {
	query := `UPDATE concepts SET
                search_terms = ARRAY(SELECT DISTINCT t FROM unnest(search_terms || $2::text[]) AS t ORDER BY t),
                provenance   = ARRAY(SELECT DISTINCT p FROM unnest(provenance || $3::text[]) AS p ORDER BY p),
                updated_at   = NOW()
              WHERE id = $1`

	res, err := s.q.ExecContext(ctx, query, conceptID, pq.Array(terms), pq.Array([]string{sourceID}))
	if err != nil {
		return fmt.Errorf("failed to merge concept: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to merge concept: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: concept %s", models.ErrNotFound, conceptID)
	}
	return nil
}

// AppendEvidence records a supporting quote for a concept. The natural key
// (concept, source, quote) makes re-appends no-ops; the return value reports
// whether a row was written.
func (s *session) AppendEvidence(ctx context.Context, inst *models.Instance) (bool, error) {
	query := `INSERT INTO instances (id, concept_id, source_id, quote)
              VALUES ($1, $2, $3, $4)
              ON CONFLICT (concept_id, source_id, md5(quote)) DO NOTHING`

	res, err := s.q.ExecContext(ctx, query, inst.ID, inst.ConceptID, inst.SourceID, inst.Quote)
	if err != nil {
		return false, fmt.Errorf("failed to append evidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to append evidence: %w", err)
	}
	return n > 0, nil
}

// MergeRelationship upserts an edge keyed by (from, to, type). An existing
// edge keeps the maximum confidence seen and unions provenance. Returns true
// when a new edge was created.
func (s *session) MergeRelationship(ctx context.Context, rel *models.Relationship) (bool, error) {
	query := `INSERT INTO relationships (id, ontology, from_id, to_id, rel_type, confidence, provenance)
              VALUES ($1, $2, $3, $4, $5, $6, $7)
              ON CONFLICT (from_id, to_id, rel_type) DO UPDATE SET
                confidence = GREATEST(relationships.confidence, EXCLUDED.confidence),
                provenance = ARRAY(SELECT DISTINCT p FROM unnest(relationships.provenance || EXCLUDED.provenance) AS p ORDER BY p),
                updated_at = NOW()
              RETURNING (xmax = 0) AS created`

	var created bool
	err := sqlx.GetContext(ctx, s.q, &created, query,
		rel.ID,
		rel.Ontology,
		rel.FromID,
		rel.ToID,
		rel.Type,
		rel.Confidence,
		rel.Provenance,
	)
	if err != nil {
		return false, fmt.Errorf("failed to merge relationship: %w", err)
	}
	return created, nil
}

// RecentConcepts returns the most recently created concepts in an ontology,
// newest first. Embeddings are not loaded; callers use this for extraction
// context, which needs labels and descriptions only.
func (s *session) RecentConcepts(ctx context.Context, ontology string, limit int) ([]*models.Concept, error) {
	query := `SELECT id, ontology, label, search_terms, description, embedding_model, provenance, created_at, updated_at
              FROM concepts
              WHERE ontology = $1
              ORDER BY created_at DESC, id DESC
              LIMIT $2`

	var concepts []*models.Concept
	if err := sqlx.SelectContext(ctx, s.q, &concepts, query, ontology, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent concepts: %w", err)
	}
	return concepts, nil
}

// ConceptsByIDs loads concepts by id. Missing ids are silently absent from
// the result.
func (s *session) ConceptsByIDs(ctx context.Context, ids []string) ([]*models.Concept, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, ontology, label, search_terms, description, embedding_model, provenance, created_at, updated_at
              FROM concepts WHERE id = ANY($1)`

	var concepts []*models.Concept
	if err := sqlx.SelectContext(ctx, s.q, &concepts, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to load concepts: %w", err)
	}
	return concepts, nil
}

// RelationshipsByIDs loads relationships by id for path hydration.
func (s *session) RelationshipsByIDs(ctx context.Context, ids []string) ([]*models.Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, ontology, from_id, to_id, rel_type, confidence, provenance, created_at, updated_at
              FROM relationships WHERE id = ANY($1::uuid[])`

	var rels []*models.Relationship
	if err := sqlx.SelectContext(ctx, s.q, &rels, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to load relationships: %w", err)
	}
	return rels, nil
}

// OntologyInfo is one row of the ontology listing.
type OntologyInfo struct {
	Name     string `json:"name" db:"ontology"`
	Sources  int64  `json:"sources" db:"sources"`
	Concepts int64  `json:"concepts" db:"concepts"`
}

// Ontologies lists every ontology present in either sources or concepts,
// with counts.
func (s *session) Ontologies(ctx context.Context) ([]OntologyInfo, error) {
	query := `SELECT ontology, COALESCE(s.n, 0) AS sources, COALESCE(c.n, 0) AS concepts
              FROM      (SELECT ontology, COUNT(*) AS n FROM sources  GROUP BY ontology) s
              FULL JOIN (SELECT ontology, COUNT(*) AS n FROM concepts GROUP BY ontology) c USING (ontology)
              ORDER BY ontology`

	var infos []OntologyInfo
	if err := sqlx.SelectContext(ctx, s.q, &infos, query); err != nil {
		return nil, fmt.Errorf("failed to list ontologies: %w", err)
	}
	return infos, nil
}

// Stats returns node and edge counts, scoped to one ontology or global when
// ontology is empty.
func (s *session) Stats(ctx context.Context, ontology string) (*models.GraphStats, error) {
	var stats models.GraphStats
	var err error
	if ontology == "" {
		query := `SELECT (SELECT COUNT(*) FROM sources)       AS sources,
                         (SELECT COUNT(*) FROM concepts)      AS concepts,
                         (SELECT COUNT(*) FROM instances)     AS instances,
                         (SELECT COUNT(*) FROM relationships) AS relationships`
		err = sqlx.GetContext(ctx, s.q, &stats, query)
	} else {
		query := `SELECT (SELECT COUNT(*) FROM sources  WHERE ontology = $1) AS sources,
                         (SELECT COUNT(*) FROM concepts WHERE ontology = $1) AS concepts,
                         (SELECT COUNT(*) FROM instances i JOIN concepts c ON c.id = i.concept_id WHERE c.ontology = $1) AS instances,
                         (SELECT COUNT(*) FROM relationships WHERE ontology = $1) AS relationships`
		err = sqlx.GetContext(ctx, s.q, &stats, query, ontology)
		stats.Ontology = ontology
	}
	if err != nil {
		return nil, fmt.Errorf("failed to compute graph stats: %w", err)
	}
	return &stats, nil
}

// DeleteResult reports what an ontology cascade delete removed and the
// graph epoch after the bump.
type DeleteResult struct {
	Sources       int64 `json:"sources"`
	Concepts      int64 `json:"concepts"`
	Relationships int64 `json:"relationships"`
	Epoch         int64 `json:"epoch"`
}

// DeleteOntology removes every source, concept, instance, relationship and
// source embedding belonging to the ontology in one transaction, bumping the
// graph epoch with them. Instances and source embeddings go with their
// parents via foreign keys.
func (s *Store) DeleteOntology(ctx context.Context, ontology string) (*DeleteResult, error) {
	result := &DeleteResult{}
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx, `DELETE FROM relationships WHERE ontology = $1`, ontology)
		if err != nil {
			return fmt.Errorf("failed to delete relationships: %w", err)
		}
		result.Relationships, _ = res.RowsAffected()

		res, err = tx.q.ExecContext(ctx, `DELETE FROM concepts WHERE ontology = $1`, ontology)
		if err != nil {
			return fmt.Errorf("failed to delete concepts: %w", err)
		}
		result.Concepts, _ = res.RowsAffected()

		res, err = tx.q.ExecContext(ctx, `DELETE FROM sources WHERE ontology = $1`, ontology)
		if err != nil {
			return fmt.Errorf("failed to delete sources: %w", err)
		}
		result.Sources, _ = res.RowsAffected()

		epoch, err := tx.BumpEpoch(ctx)
		if err != nil {
			return err
		}
		result.Epoch = epoch
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Deleted ontology", map[string]interface{}{
		"ontology":      ontology,
		"sources":       result.Sources,
		"concepts":      result.Concepts,
		"relationships": result.Relationships,
	})
	return result, nil
}
