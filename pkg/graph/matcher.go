package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/models"
)

// Match is one vector-search candidate with its cosine similarity.
type Match struct {
	models.Concept
	Similarity float64 `db:"similarity"`
}

// Outcome classifies a match decision.
type Outcome string

const (
	// OutcomeMatched means the best candidate clears the merge threshold.
	OutcomeMatched Outcome = "matched"
	// OutcomeAmbiguous means the best candidate clears only the suggest
	// threshold. The upsert engine treats this as no match; the tool
	// surface would present the candidates.
	OutcomeAmbiguous Outcome = "ambiguous"
	// OutcomeNoMatch means nothing came close.
	OutcomeNoMatch Outcome = "no_match"
)

// Decision is the result of matching one candidate concept.
type Decision struct {
	Outcome    Outcome
	Best       *Match  // set when Outcome is OutcomeMatched
	Candidates []Match // top candidates when Outcome is OutcomeAmbiguous
}

// TopKByEmbedding returns the k nearest concepts to the embedding within an
// ontology, nearest first. Equal distances order by id so repeated runs see
// the same ranking.
func (s *session) TopKByEmbedding(ctx context.Context, ontology string, embedding models.Vector, k int) ([]Match, error) {
	query := `SELECT id, ontology, label, search_terms, description, embedding_model, provenance, created_at, updated_at,
                     1 - (embedding <=> $2::vector) AS similarity
              FROM concepts
              WHERE ontology = $1 AND embedding IS NOT NULL
              ORDER BY embedding <=> $2::vector, id
              LIMIT $3`

	var matches []Match
	if err := sqlx.SelectContext(ctx, s.q, &matches, query, ontology, embedding, k); err != nil {
		return nil, fmt.Errorf("failed to search concepts by embedding: %w", err)
	}
	return matches, nil
}

// MatchConcept runs the nearest-neighbour search and applies the threshold
// decision in one call.
func (s *session) MatchConcept(ctx context.Context, ontology string, embedding models.Vector, cfg config.MatcherConfig) (Decision, error) {
	matches, err := s.TopKByEmbedding(ctx, ontology, embedding, cfg.TopK)
	if err != nil {
		return Decision{}, err
	}
	return Decide(matches, cfg.MergeThreshold, cfg.SuggestThreshold), nil
}

// Decide classifies candidates against the merge and suggest thresholds.
// Higher similarity wins; exact ties break toward the lexicographically
// smaller concept id so reruns are stable.
func Decide(matches []Match, mergeThreshold, suggestThreshold float64) Decision {
	if len(matches) == 0 {
		return Decision{Outcome: OutcomeNoMatch}
	}

	ranked := make([]Match, len(matches))
	copy(ranked, matches)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Similarity != ranked[j].Similarity {
			return ranked[i].Similarity > ranked[j].Similarity
		}
		return ranked[i].ID < ranked[j].ID
	})

	best := ranked[0]
	switch {
	case best.Similarity >= mergeThreshold:
		return Decision{Outcome: OutcomeMatched, Best: &best}
	case best.Similarity >= suggestThreshold:
		n := 3
		if len(ranked) < n {
			n = len(ranked)
		}
		return Decision{Outcome: OutcomeAmbiguous, Candidates: ranked[:n]}
	default:
		return Decision{Outcome: OutcomeNoMatch}
	}
}

// SearchConcepts is the API-facing concept search: nearest concepts with
// evidence counts.
func (s *session) SearchConcepts(ctx context.Context, ontology string, embedding models.Vector, limit int) ([]models.ConceptSearchResult, error) {
	query := `SELECT c.id AS concept_id, c.label, c.ontology,
                     1 - (c.embedding <=> $2::vector) AS similarity,
                     (SELECT COUNT(*) FROM instances i WHERE i.concept_id = c.id) AS evidence_count
              FROM concepts c
              WHERE c.ontology = $1 AND c.embedding IS NOT NULL
              ORDER BY c.embedding <=> $2::vector, c.id
              LIMIT $3`

	var results []models.ConceptSearchResult
	if err := sqlx.SelectContext(ctx, s.q, &results, query, ontology, embedding, limit); err != nil {
		return nil, fmt.Errorf("failed to search concepts: %w", err)
	}
	return results, nil
}
