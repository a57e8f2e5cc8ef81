package graph

import (
	"context"

	"github.com/lib/pq"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/models"
)

// Candidate is one extracted concept ready for the match-or-create upsert.
// ConceptID and InstanceID are the ids used when a new row is needed; on a
// match the existing concept id wins and ConceptID is unused.
type Candidate struct {
	Ontology    string
	SourceID    string
	ConceptID   string
	InstanceID  string
	Label       string
	SearchTerms []string
	Description string
	Quote       string
	Embedding   models.Vector
	Model       string
}

// UpsertResult reports what the match-or-create transaction did.
type UpsertResult struct {
	ConceptID        string
	Matched          bool
	MatchedLabel     string
	Similarity       float64
	EvidenceAppended bool
}

// MatchOrCreate runs one candidate through the upsert in a single
// transaction: lock the label, search for the nearest existing concept, then
// merge into the winner or create a new concept, appending the supporting
// quote either way. The advisory lock serializes concurrent upserts of the
// same label within an ontology, so parallel chunks cannot race two copies
// of one concept into existence. Ambiguous matches (above suggest, below
// merge) create a new concept; only a clear match merges.
func (s *Store) MatchOrCreate(ctx context.Context, cand *Candidate, cfg config.MatcherConfig) (*UpsertResult, error) {
	result := &UpsertResult{}
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.LockLabel(ctx, cand.Ontology, cand.Label); err != nil {
			return err
		}

		decision, err := tx.MatchConcept(ctx, cand.Ontology, cand.Embedding, cfg)
		if err != nil {
			return err
		}

		if decision.Outcome == OutcomeMatched {
			result.Matched = true
			result.ConceptID = decision.Best.ID
			result.MatchedLabel = decision.Best.Label
			result.Similarity = decision.Best.Similarity
			if err := tx.MergeConcept(ctx, decision.Best.ID, cand.SearchTerms, cand.SourceID); err != nil {
				return err
			}
		} else {
			terms := cand.SearchTerms
			if terms == nil {
				terms = []string{}
			}
			result.ConceptID = cand.ConceptID
			concept := &models.Concept{
				ID:             cand.ConceptID,
				Ontology:       cand.Ontology,
				Label:          cand.Label,
				SearchTerms:    pq.StringArray(terms),
				Description:    cand.Description,
				Embedding:      cand.Embedding,
				EmbeddingModel: cand.Model,
				Provenance:     pq.StringArray([]string{cand.SourceID}),
			}
			if err := tx.CreateConcept(ctx, concept); err != nil {
				return err
			}
		}

		if cand.Quote != "" {
			appended, err := tx.AppendEvidence(ctx, &models.Instance{
				ID:        cand.InstanceID,
				ConceptID: result.ConceptID,
				SourceID:  cand.SourceID,
				Quote:     cand.Quote,
			})
			if err != nil {
				return err
			}
			result.EvidenceAppended = appended
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Upserted concept", map[string]interface{}{
		"ontology":   cand.Ontology,
		"label":      cand.Label,
		"concept_id": result.ConceptID,
		"matched":    result.Matched,
	})
	return result, nil
}
