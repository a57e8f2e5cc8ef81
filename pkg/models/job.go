// Package models defines the persisted entities of the gnosis control plane:
// jobs, graph nodes and edges, source embeddings and artifacts.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobState is the job lifecycle state. Transitions are CAS-guarded in the job
// store; ValidTransition defines the only legal moves.
type JobState string

const (
	JobStateSubmitted        JobState = "submitted"
	JobStatePending          JobState = "pending"
	JobStateAwaitingApproval JobState = "awaiting_approval"
	JobStateApproved         JobState = "approved"
	JobStateQueued           JobState = "queued"
	JobStateProcessing       JobState = "processing"
	JobStateCompleted        JobState = "completed"
	JobStateFailed           JobState = "failed"
	JobStateCancelled        JobState = "cancelled"
	JobStateExpired          JobState = "expired"
)

// JobKind selects the worker that runs the job.
type JobKind string

const (
	JobKindIngestText           JobKind = "ingest-text"
	JobKindIngestFile           JobKind = "ingest-file"
	JobKindIngestImage          JobKind = "ingest-image"
	JobKindRestore              JobKind = "restore"
	JobKindRegenerateEmbeddings JobKind = "regenerate-embeddings"
	JobKindAnalysis             JobKind = "analysis"
)

// ProcessingMode controls chunk-level concurrency inside an ingestion job.
type ProcessingMode string

const (
	ProcessingSerial   ProcessingMode = "serial"
	ProcessingParallel ProcessingMode = "parallel"
)

var jobTransitions = map[JobState][]JobState{
	JobStateSubmitted:        {JobStatePending, JobStateAwaitingApproval, JobStateApproved, JobStateCancelled},
	JobStatePending:          {JobStateAwaitingApproval, JobStateApproved, JobStateCancelled},
	JobStateAwaitingApproval: {JobStateApproved, JobStateCancelled, JobStateExpired},
	JobStateApproved:         {JobStateQueued, JobStateCancelled},
	JobStateQueued:           {JobStateProcessing, JobStateApproved, JobStateCancelled, JobStateFailed},
	JobStateProcessing:       {JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateApproved},
}

// ValidTransition reports whether from → to is a legal state-machine move.
func ValidTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateExpired:
		return true
	}
	return false
}

// TerminalStates lists every terminal state, in a stable order.
func TerminalStates() []JobState {
	return []JobState{JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateExpired}
}

// JSONMap is a JSONB column holding loosely structured data.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for database serialization.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database deserialization.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	return json.Unmarshal(data, m)
}

// ChunkPlan records the chunking parameters the job was estimated and run with.
type ChunkPlan struct {
	ChunkCount   int    `json:"chunk_count"`
	TargetWords  int    `json:"target_words"`
	MinWords     int    `json:"min_words"`
	MaxWords     int    `json:"max_words"`
	OverlapWords int    `json:"overlap_words"`
	Strategy     string `json:"strategy"`
}

// Value implements driver.Valuer.
func (p ChunkPlan) Value() (driver.Value, error) { return json.Marshal(p) }

// Scan implements sql.Scanner.
func (p *ChunkPlan) Scan(value interface{}) error { return scanJSON(value, p) }

// CostEstimate is computed by cheap heuristics before any provider call and
// shown to the approver.
type CostEstimate struct {
	EstimatedChunks int     `json:"estimated_chunks"`
	TokensIn        int64   `json:"tokens_in"`
	TokensOut       int64   `json:"tokens_out"`
	EmbeddingTokens int64   `json:"embedding_tokens"`
	ExtractionUSD   float64 `json:"extraction_usd"`
	EmbeddingUSD    float64 `json:"embedding_usd"`
	TotalUSD        float64 `json:"total_usd"`
	Formatted       string  `json:"formatted"`
	ExtractionModel string  `json:"extraction_model"`
	EmbeddingModel  string  `json:"embedding_model"`
}

// Value implements driver.Valuer.
func (c CostEstimate) Value() (driver.Value, error) { return json.Marshal(c) }

// Scan implements sql.Scanner.
func (c *CostEstimate) Scan(value interface{}) error { return scanJSON(value, c) }

// JobProgress is the rate-limited snapshot persisted by the progress broker
// and returned by the polling endpoint.
type JobProgress struct {
	Stage      string           `json:"stage"`
	ItemsDone  int              `json:"items_done"`
	ItemsTotal int              `json:"items_total"`
	Percent    float64          `json:"percent"`
	Message    string           `json:"message,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Value implements driver.Valuer.
func (p JobProgress) Value() (driver.Value, error) { return json.Marshal(p) }

// Scan implements sql.Scanner.
func (p *JobProgress) Scan(value interface{}) error { return scanJSON(value, p) }

// Value implements driver.Valuer for JobError columns.
func (e JobError) Value() (driver.Value, error) { return json.Marshal(e) }

// Scan implements sql.Scanner for JobError columns.
func (e *JobError) Scan(value interface{}) error { return scanJSON(value, e) }

// Job is one row in the jobs table: the durable record of a submission from
// intake through its terminal state.
type Job struct {
	ID               string         `json:"id" db:"id"`
	Kind             JobKind        `json:"kind" db:"kind"`
	Owner            string         `json:"owner" db:"owner"`
	Ontology         string         `json:"ontology" db:"ontology"`
	State            JobState       `json:"state" db:"state"`
	Mode             ProcessingMode `json:"mode" db:"mode"`
	DedupKey         string         `json:"dedup_key,omitempty" db:"dedup_key"`
	Filename         string         `json:"filename,omitempty" db:"filename"`
	InputKey         string         `json:"input_key,omitempty" db:"input_key"`
	Params           JSONMap        `json:"params,omitempty" db:"params"`
	ChunkPlan        *ChunkPlan     `json:"chunk_plan,omitempty" db:"chunk_plan"`
	CostEstimate     *CostEstimate  `json:"cost_estimate,omitempty" db:"cost_estimate"`
	Progress         *JobProgress   `json:"progress,omitempty" db:"progress"`
	Result           JSONMap        `json:"result,omitempty" db:"result"`
	Error            *JobError      `json:"error,omitempty" db:"error"`
	WorkerID         *string        `json:"worker_id,omitempty" db:"worker_id"`
	CancelRequested  bool           `json:"cancel_requested" db:"cancel_requested"`
	RetryCount       int            `json:"retry_count" db:"retry_count"`
	RequestID        string         `json:"request_id,omitempty" db:"request_id"`
	ApprovalDeadline *time.Time     `json:"approval_deadline,omitempty" db:"approval_deadline"`
	Deadline         *time.Time     `json:"deadline,omitempty" db:"deadline"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty" db:"approved_at"`
	ApprovedBy       *string        `json:"approved_by,omitempty" db:"approved_by"`
	StartedAt        *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	ProgressAt       *time.Time     `json:"progress_at,omitempty" db:"progress_at"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
	Version          int            `json:"version" db:"version"`
}

// IsTerminal reports whether the job has reached a terminal state.
func (j *Job) IsTerminal() bool { return j.State.IsTerminal() }

// CanApprove reports whether an approval request is currently valid.
func (j *Job) CanApprove() bool {
	return j.State == JobStatePending || j.State == JobStateAwaitingApproval
}

// ApprovalExpired reports whether the approval window has lapsed.
func (j *Job) ApprovalExpired(now time.Time) bool {
	return j.State == JobStateAwaitingApproval &&
		j.ApprovalDeadline != nil && j.ApprovalDeadline.Before(now)
}

// Stalled reports whether the job has been processing without a progress
// heartbeat for longer than threshold.
func (j *Job) Stalled(now time.Time, threshold time.Duration) bool {
	if j.State != JobStateProcessing {
		return false
	}
	last := j.UpdatedAt
	if j.ProgressAt != nil {
		last = *j.ProgressAt
	}
	return now.Sub(last) > threshold
}

// IngestStats accumulates per-chunk upsert counters into the job result.
type IngestStats struct {
	ChunksProcessed       int64    `json:"chunks_processed"`
	SourcesCreated        int64    `json:"sources_created"`
	ConceptsCreated       int64    `json:"concepts_created"`
	ConceptsMatched       int64    `json:"concepts_matched"`
	InstancesCreated      int64    `json:"instances_created"`
	RelationshipsCreated  int64    `json:"relationships_created"`
	RelationshipsMerged   int64    `json:"relationships_merged"`
	EvidenceAppended      int64    `json:"evidence_appended"`
	VocabularyViolations  int64    `json:"vocabulary_violations"`
	DanglingRelationships int64    `json:"dangling_relationships"`
	ExtractionTokens      int64    `json:"extraction_tokens"`
	EmbeddingTokens       int64    `json:"embedding_tokens"`
	Warnings              []string `json:"warnings,omitempty"`
}

// Add merges another stats block into this one.
func (s *IngestStats) Add(o IngestStats) {
	s.ChunksProcessed += o.ChunksProcessed
	s.SourcesCreated += o.SourcesCreated
	s.ConceptsCreated += o.ConceptsCreated
	s.ConceptsMatched += o.ConceptsMatched
	s.InstancesCreated += o.InstancesCreated
	s.RelationshipsCreated += o.RelationshipsCreated
	s.RelationshipsMerged += o.RelationshipsMerged
	s.EvidenceAppended += o.EvidenceAppended
	s.VocabularyViolations += o.VocabularyViolations
	s.DanglingRelationships += o.DanglingRelationships
	s.ExtractionTokens += o.ExtractionTokens
	s.EmbeddingTokens += o.EmbeddingTokens
	s.Warnings = append(s.Warnings, o.Warnings...)
}

// IngestResult is the result payload of a completed ingestion job.
type IngestResult struct {
	Status          string        `json:"status"`
	Ontology        string        `json:"ontology"`
	Filename        string        `json:"filename,omitempty"`
	ChunksProcessed int64         `json:"chunks_processed"`
	Stats           IngestStats   `json:"stats"`
	Cost            *CostEstimate `json:"cost,omitempty"`
}

// ToMap converts the result into the job result column representation.
func (r IngestResult) ToMap() JSONMap {
	data, err := json.Marshal(r)
	if err != nil {
		return JSONMap{"status": r.Status}
	}
	var m JSONMap
	if err := json.Unmarshal(data, &m); err != nil {
		return JSONMap{"status": r.Status}
	}
	return m
}

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}
