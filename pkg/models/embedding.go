package models

import "time"

// ChunkStrategySentence is the only chunk strategy currently produced by the
// source embedding worker. The column exists so alternative strategies can
// coexist per source.
const ChunkStrategySentence = "sentence"

// SourceEmbedding is one row per embedding chunk of a Source. Rows are unique
// on (source_id, chunk_index, chunk_strategy). SourceHash records the hash of
// the owning source's full text at write time; drift marks the row stale.
type SourceEmbedding struct {
	ID             int64     `json:"id" db:"id"`
	SourceID       string    `json:"source_id" db:"source_id"`
	ChunkIndex     int       `json:"chunk_index" db:"chunk_index"`
	ChunkStrategy  string    `json:"chunk_strategy" db:"chunk_strategy"`
	StartOffset    int       `json:"start_offset" db:"start_offset"`
	EndOffset      int       `json:"end_offset" db:"end_offset"`
	ChunkText      string    `json:"chunk_text" db:"chunk_text"`
	ChunkHash      string    `json:"chunk_hash" db:"chunk_hash"`
	SourceHash     string    `json:"source_hash" db:"source_hash"`
	Embedding      Vector    `json:"-" db:"embedding"`
	EmbeddingModel string    `json:"embedding_model" db:"embedding_model"`
	Dimensions     int       `json:"dimensions" db:"dimensions"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SourceSearchResult is one hit from source-embedding vector search. IsStale
// is set when the owning source's current hash differs from the row's
// source_hash, meaning the offsets may no longer line up with the text.
type SourceSearchResult struct {
	SourceID     string  `json:"source_id" db:"source_id"`
	Ontology     string  `json:"ontology" db:"ontology"`
	DocumentName string  `json:"document_name" db:"document_name"`
	ChunkIndex   int     `json:"chunk_index" db:"chunk_index"`
	ChunkText    string  `json:"chunk_text" db:"chunk_text"`
	StartOffset  int     `json:"start_offset" db:"start_offset"`
	EndOffset    int     `json:"end_offset" db:"end_offset"`
	FullText     string  `json:"full_text" db:"full_text"`
	Similarity   float64 `json:"similarity" db:"similarity"`
	IsStale      bool    `json:"is_stale" db:"is_stale"`
}

// ConceptSearchResult is one hit from concept vector search.
type ConceptSearchResult struct {
	ConceptID     string  `json:"concept_id" db:"concept_id"`
	Label         string  `json:"label" db:"label"`
	Ontology      string  `json:"ontology" db:"ontology"`
	Similarity    float64 `json:"similarity" db:"similarity"`
	EvidenceCount int64   `json:"evidence_count" db:"evidence_count"`
}
