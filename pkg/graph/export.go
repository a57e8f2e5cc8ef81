package graph

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gnosis-kg/gnosis/pkg/models"
)

// OntologyDump is everything belonging to one ontology, loaded for export.
// Concepts include their embeddings so a restore does not have to re-embed.
type OntologyDump struct {
	Sources       []*models.Source
	Concepts      []*models.Concept
	Instances     []*models.Instance
	Relationships []*models.Relationship
}

// Empty reports whether the dump holds no entities at all.
func (d *OntologyDump) Empty() bool {
	return len(d.Sources) == 0 && len(d.Concepts) == 0 &&
		len(d.Instances) == 0 && len(d.Relationships) == 0
}

// DumpOntology loads every source, concept, instance and relationship of an
// ontology in creation order. Row order is stable so successive exports of an
// unchanged graph are byte-identical.
func (s *session) DumpOntology(ctx context.Context, ontology string) (*OntologyDump, error) {
	dump := &OntologyDump{}

	query := `SELECT id, ontology, document_name, paragraph, full_text, content_hash, object_key, created_at
              FROM sources
              WHERE ontology = $1
              ORDER BY created_at, id`
	if err := sqlx.SelectContext(ctx, s.q, &dump.Sources, query, ontology); err != nil {
		return nil, fmt.Errorf("failed to dump sources: %w", err)
	}

	query = `SELECT id, ontology, label, search_terms, description, embedding, embedding_model, provenance, created_at, updated_at
             FROM concepts
             WHERE ontology = $1
             ORDER BY created_at, id`
	if err := sqlx.SelectContext(ctx, s.q, &dump.Concepts, query, ontology); err != nil {
		return nil, fmt.Errorf("failed to dump concepts: %w", err)
	}

	query = `SELECT i.id, i.concept_id, i.source_id, i.quote, i.created_at
             FROM instances i
             JOIN concepts c ON c.id = i.concept_id
             WHERE c.ontology = $1
             ORDER BY i.created_at, i.id`
	if err := sqlx.SelectContext(ctx, s.q, &dump.Instances, query, ontology); err != nil {
		return nil, fmt.Errorf("failed to dump instances: %w", err)
	}

	query = `SELECT id, ontology, from_id, to_id, rel_type, confidence, provenance, created_at, updated_at
             FROM relationships
             WHERE ontology = $1
             ORDER BY created_at, id`
	if err := sqlx.SelectContext(ctx, s.q, &dump.Relationships, query, ontology); err != nil {
		return nil, fmt.Errorf("failed to dump relationships: %w", err)
	}

	return dump, nil
}
