package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/models"
)

func matcherConfig() config.MatcherConfig {
	return config.MatcherConfig{MergeThreshold: 0.85, SuggestThreshold: 0.6, TopK: 20}
}

func raftCandidate() *Candidate {
	return &Candidate{
		Ontology:    "physics",
		SourceID:    "doc_chunk1",
		ConceptID:   "doc_chunk1_ab12cd34",
		InstanceID:  "inst-1",
		Label:       "Raft",
		SearchTerms: []string{"consensus"},
		Quote:       "Raft elects a single leader per term.",
		Embedding:   models.Vector{1, 0},
		Model:       "fake-embed",
	}
}

func TestMatchOrCreateMergesIntoExistingConcept(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("physics:raft").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM concepts`).
		WithArgs("physics", "[1,0]", 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ontology", "label", "similarity"}).
			AddRow("c-existing", "physics", "Raft Consensus", 0.93))
	mock.ExpectExec(`UPDATE concepts SET`).
		WithArgs("c-existing", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO instances`).
		WithArgs("inst-1", "c-existing", "doc_chunk1", "Raft elects a single leader per term.").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.MatchOrCreate(context.Background(), raftCandidate(), matcherConfig())
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, "c-existing", result.ConceptID)
	assert.Equal(t, "Raft Consensus", result.MatchedLabel)
	assert.InDelta(t, 0.93, result.Similarity, 1e-9)
	assert.True(t, result.EvidenceAppended)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchOrCreateCreatesNewConceptOnNoMatch(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("physics:raft").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM concepts`).
		WithArgs("physics", "[1,0]", 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ontology", "label", "similarity"}))
	mock.ExpectExec(`INSERT INTO concepts`).
		WithArgs("doc_chunk1_ab12cd34", "physics", "Raft", sqlmock.AnyArg(), "",
			"[1,0]", "fake-embed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO instances`).
		WithArgs("inst-1", "doc_chunk1_ab12cd34", "doc_chunk1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.MatchOrCreate(context.Background(), raftCandidate(), matcherConfig())
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, "doc_chunk1_ab12cd34", result.ConceptID)
	assert.True(t, result.EvidenceAppended)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A best candidate between the suggest and merge thresholds is not a match;
// the pipeline creates a new concept rather than guessing.
func TestMatchOrCreateAmbiguousCreatesNewConcept(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("physics:raft").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM concepts`).
		WithArgs("physics", "[1,0]", 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ontology", "label", "similarity"}).
			AddRow("c-near", "physics", "Paxos", 0.72))
	mock.ExpectExec(`INSERT INTO concepts`).
		WithArgs("doc_chunk1_ab12cd34", "physics", "Raft", sqlmock.AnyArg(), "",
			"[1,0]", "fake-embed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO instances`).
		WithArgs("inst-1", "doc_chunk1_ab12cd34", "doc_chunk1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.MatchOrCreate(context.Background(), raftCandidate(), matcherConfig())
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchOrCreateSkipsEvidenceWithoutQuote(t *testing.T) {
	store, mock := newMockStore(t)

	cand := raftCandidate()
	cand.Quote = ""

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("physics:raft").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM concepts`).
		WithArgs("physics", "[1,0]", 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ontology", "label", "similarity"}).
			AddRow("c-existing", "physics", "Raft", 0.95))
	mock.ExpectExec(`UPDATE concepts SET`).
		WithArgs("c-existing", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.MatchOrCreate(context.Background(), cand, matcherConfig())
	require.NoError(t, err)
	assert.False(t, result.EvidenceAppended)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchOrCreateRollsBackOnSearchError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("physics:raft").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM concepts`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.MatchOrCreate(context.Background(), raftCandidate(), matcherConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
