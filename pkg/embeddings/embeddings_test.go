package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnosis-kg/gnosis/pkg/chunking"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

type stubEmbedder struct {
	calls [][]string
	err   error
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, texts)
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int   { return 4 }
func (s *stubEmbedder) ModelName() string { return "stub-embed" }

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepo(sqlx.NewDb(db, "sqlmock"), observability.NewNoopLogger()), mock
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestSelectorValidate(t *testing.T) {
	assert.Error(t, Selector{}.validate())
	assert.Error(t, Selector{All: true, Ontology: "x"}.validate())
	assert.NoError(t, Selector{All: true}.validate())
	assert.NoError(t, Selector{Ontology: "physics"}.validate())
	assert.NoError(t, Selector{SourceID: "s1"}.validate())
}

func TestProcessSourceWritesChunkRows(t *testing.T) {
	text := "Raft elects a single leader. Terms increase monotonically over time."
	// Keep the chunker honest about producing two chunks at this limit.
	chunks := chunking.ChunkBySentence(text, 40)
	require.Len(t, chunks, 2)

	repo, mock := newMockRepo(t)
	embedder := &stubEmbedder{}
	worker := NewWorker(repo, embedder, 40, observability.NewNoopLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM source_embeddings`).
		WithArgs("src-1", "sentence").
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, c := range chunks {
		mock.ExpectExec(`INSERT INTO source_embeddings`).
			WithArgs("src-1", c.Index, "sentence", c.Start, c.End, c.Text,
				sha256Hex(c.Text), sha256Hex(text), "[1,0,0,0]", "stub-embed", 4).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectExec(`UPDATE sources SET content_hash`).
		WithArgs("src-1", sha256Hex(text)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := worker.ProcessSource(context.Background(), &models.Source{
		ID:       "src-1",
		Ontology: "physics",
		FullText: text,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, embedder.calls, 1)
	assert.Len(t, embedder.calls[0], 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessSourceEmptyTextStillUpdatesHash(t *testing.T) {
	repo, mock := newMockRepo(t)
	worker := NewWorker(repo, &stubEmbedder{}, 0, observability.NewNoopLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM source_embeddings`).
		WithArgs("src-empty", "sentence").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE sources SET content_hash`).
		WithArgs("src-empty", sha256Hex("")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := worker.ProcessSource(context.Background(), &models.Source{ID: "src-empty"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceForSourceRollsBackOnInsertError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM source_embeddings`).
		WithArgs("src-1", "sentence").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO source_embeddings`).
		WillReturnError(errors.New("dimension mismatch"))
	mock.ExpectRollback()

	err := repo.ReplaceForSource(context.Background(), "src-1", "sentence", "hash", []*models.SourceEmbedding{
		{SourceID: "src-1", ChunkStrategy: "sentence"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegenerateSkipsFreshSources(t *testing.T) {
	repo, mock := newMockRepo(t)
	embedder := &stubEmbedder{}
	worker := NewWorker(repo, embedder, 0, observability.NewNoopLogger())

	freshText := "A fresh source."
	freshHash := sha256Hex(freshText)
	staleText := "A stale source that needs new rows."

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sources WHERE ontology = \$1`).
		WithArgs("physics").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	now := time.Now()
	page := sqlmock.NewRows([]string{"id", "ontology", "document_name", "paragraph", "full_text", "content_hash", "object_key", "created_at"}).
		AddRow("s1", "physics", "a.md", 1, freshText, freshHash, nil, now).
		AddRow("s2", "physics", "b.md", 1, staleText, nil, nil, now)
	mock.ExpectQuery(`SELECT .+ FROM sources WHERE ontology = \$1 AND id > \$2`).
		WithArgs("physics", "", listBatchSize).
		WillReturnRows(page)

	// Only the stale source is re-embedded.
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM source_embeddings`).
		WithArgs("s2", "sentence").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO source_embeddings`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE sources SET content_hash`).
		WithArgs("s2", sha256Hex(staleText)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT .+ FROM sources WHERE ontology = \$1 AND id > \$2`).
		WithArgs("physics", "s2", listBatchSize).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	var calls int64
	result, err := worker.Regenerate(context.Background(), Selector{Ontology: "physics"}, func(done, total int64, message string) {
		calls++
		assert.Equal(t, int64(2), total)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.SourcesScanned)
	assert.Equal(t, int64(1), result.SourcesSkipped)
	assert.Equal(t, int64(1), result.SourcesUpdated)
	assert.Equal(t, int64(1), result.ChunksEmbedded)
	assert.Equal(t, int64(2), calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegenerateStopsOnCancel(t *testing.T) {
	repo, _ := newMockRepo(t)
	worker := NewWorker(repo, &stubEmbedder{}, 0, observability.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := worker.Regenerate(ctx, Selector{All: true}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchSourcesFlagsStaleRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows([]string{
		"source_id", "ontology", "document_name", "chunk_index", "chunk_text",
		"start_offset", "end_offset", "full_text", "similarity", "is_stale",
	}).
		AddRow("s1", "physics", "a.md", 0, "Raft elects a leader.", 0, 21, "Raft elects a leader.", 0.93, false).
		AddRow("s2", "physics", "b.md", 1, "Old text.", 10, 19, "New text entirely.", 0.71, true)
	mock.ExpectQuery(`SELECT se.source_id`).
		WithArgs("[1,0]", "physics", 10).
		WillReturnRows(rows)

	results, err := repo.SearchSources(context.Background(), models.Vector{1, 0}, "physics", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].IsStale)
	assert.True(t, results[1].IsStale)
	assert.InDelta(t, 0.93, results[0].Similarity, 1e-9)
}
