package graph

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ConceptEvidence is one row of the top-concepts listing: a concept with the
// number of quotes supporting it.
type ConceptEvidence struct {
	ConceptID     string `json:"concept_id" db:"concept_id"`
	Label         string `json:"label" db:"label"`
	EvidenceCount int64  `json:"evidence_count" db:"evidence_count"`
}

// TopConceptsByEvidence returns the ontology's concepts ordered by how much
// evidence supports them, ties broken by id.
func (s *session) TopConceptsByEvidence(ctx context.Context, ontology string, limit int) ([]ConceptEvidence, error) {
	query := `SELECT c.id AS concept_id, c.label,
                     (SELECT COUNT(*) FROM instances i WHERE i.concept_id = c.id) AS evidence_count
              FROM concepts c
              WHERE c.ontology = $1
              ORDER BY evidence_count DESC, c.id
              LIMIT $2`

	var rows []ConceptEvidence
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, ontology, limit); err != nil {
		return nil, fmt.Errorf("failed to rank concepts by evidence: %w", err)
	}
	return rows, nil
}

// RelationshipTypeCounts returns a histogram of edge types in an ontology.
func (s *session) RelationshipTypeCounts(ctx context.Context, ontology string) (map[string]int64, error) {
	query := `SELECT rel_type, COUNT(*) AS n
              FROM relationships
              WHERE ontology = $1
              GROUP BY rel_type
              ORDER BY rel_type`

	var rows []struct {
		RelType string `db:"rel_type"`
		N       int64  `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, ontology); err != nil {
		return nil, fmt.Errorf("failed to count relationship types: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.RelType] = r.N
	}
	return counts, nil
}
