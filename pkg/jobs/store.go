// Package jobs implements the ingestion control plane: the durable job store
// with CAS state transitions, the worker pool that dispatches approved jobs,
// the sweeping scheduler, the progress broker and the pre-LLM cost estimator.
//
// Every state transition goes through the store's compare-and-swap so two
// sweepers or dispatchers can never both move the same job. In-process locks
// guard nothing here; the invariants must survive a restart.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

const jobColumns = `id, kind, owner, ontology, state, mode, dedup_key, filename, input_key,
	params, chunk_plan, cost_estimate, progress, result, error, worker_id, cancel_requested,
	retry_count, request_id, approval_deadline, deadline, approved_at, approved_by,
	started_at, completed_at, progress_at, created_at, updated_at, version`

// Store persists jobs in PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewStore creates a job store.
func NewStore(db *sqlx.DB, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Store{db: db, logger: logger}
}

// Insert writes a new job row. The caller decides the initial state
// (awaiting_approval with a deadline, or approved when auto-approved).
func (s *Store) Insert(ctx context.Context, job *models.Job) error {
	query := `INSERT INTO jobs (id, kind, owner, ontology, state, mode, dedup_key, filename, input_key,
	          params, chunk_plan, cost_estimate, worker_id, retry_count, request_id,
	          approval_deadline, deadline, approved_at, approved_by)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Kind, job.Owner, job.Ontology, job.State, job.Mode,
		job.DedupKey, job.Filename, job.InputKey,
		job.Params, job.ChunkPlan, job.CostEstimate,
		job.WorkerID, job.RetryCount, job.RequestID,
		job.ApprovalDeadline, job.Deadline, job.ApprovedAt, job.ApprovedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Load returns the job with the given id.
func (s *Store) Load(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if err := sqlx.GetContext(ctx, s.db, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// FindByDedupKey returns the most recent job with the given dedup key in the
// ontology, or ErrNotFound. Callers decide whether the hit blocks a
// resubmission; the index is a lookup, not a constraint.
func (s *Store) FindByDedupKey(ctx context.Context, key, ontology string) (*models.Job, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty dedup key", models.ErrNotFound)
	}
	var job models.Job
	query := `SELECT ` + jobColumns + ` FROM jobs
	          WHERE dedup_key = $1 AND ontology = $2
	          ORDER BY created_at DESC LIMIT 1`
	if err := sqlx.GetContext(ctx, s.db, &job, query, key, ontology); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no job with dedup key", models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up dedup key: %w", err)
	}
	return &job, nil
}

// Patch carries the column updates applied together with a state transition.
// Nil fields are left untouched.
type Patch struct {
	Progress              *models.JobProgress
	Result                models.JSONMap
	Error                 *models.JobError
	WorkerID              *string
	ClearWorker           bool
	ChunkPlan             *models.ChunkPlan
	CostEstimate          *models.CostEstimate
	ApprovedAt            *time.Time
	ApprovedBy            *string
	ClearApprovalDeadline bool
	StartedAt             *time.Time
	CompletedAt           *time.Time
	RetryCount            *int
}

// UpdateStateAtomically moves a job from one state to another with a
// compare-and-swap on the current state, applying the patch and bumping the
// version in the same statement. Returns ErrInvalidTransition for moves
// outside the state machine, ErrNotFound when the job does not exist and
// ErrStateConflict when another actor won the race.
func (s *Store) UpdateStateAtomically(ctx context.Context, id string, from, to models.JobState, patch *Patch) (*models.Job, error) {
	if !models.ValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}

	set := []string{"state = $3", "updated_at = NOW()", "version = version + 1"}
	args := []interface{}{id, from, to}
	add := func(col string, v interface{}) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch != nil {
		if patch.Progress != nil {
			add("progress", patch.Progress)
			add("progress_at", time.Now())
		}
		if patch.Result != nil {
			add("result", patch.Result)
		}
		if patch.Error != nil {
			add("error", patch.Error)
		}
		if patch.WorkerID != nil {
			add("worker_id", *patch.WorkerID)
		} else if patch.ClearWorker {
			set = append(set, "worker_id = NULL")
		}
		if patch.ChunkPlan != nil {
			add("chunk_plan", patch.ChunkPlan)
		}
		if patch.CostEstimate != nil {
			add("cost_estimate", patch.CostEstimate)
		}
		if patch.ApprovedAt != nil {
			add("approved_at", *patch.ApprovedAt)
		}
		if patch.ApprovedBy != nil {
			add("approved_by", *patch.ApprovedBy)
		}
		if patch.ClearApprovalDeadline {
			set = append(set, "approval_deadline = NULL")
		}
		if patch.StartedAt != nil {
			add("started_at", *patch.StartedAt)
		}
		if patch.CompletedAt != nil {
			add("completed_at", *patch.CompletedAt)
		}
		if patch.RetryCount != nil {
			add("retry_count", *patch.RetryCount)
		}
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND state = $2 RETURNING %s`,
		strings.Join(set, ", "), jobColumns)

	var job models.Job
	err := sqlx.GetContext(ctx, s.db, &job, query, args...)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update job state: %w", err)
	}

	// The CAS missed: either the job is gone or someone moved it first.
	current, loadErr := s.Load(ctx, id)
	if loadErr != nil {
		return nil, loadErr
	}
	return nil, fmt.Errorf("%w: job %s is %s, expected %s", models.ErrStateConflict, id, current.State, from)
}

// ClaimNextApproved atomically claims the oldest approved job for a worker,
// moving it to queued. Returns (nil, nil) when no job is ready. SKIP LOCKED
// keeps concurrent dispatchers from blocking on the same row; the state
// predicate in the outer UPDATE makes the claim at-most-once.
func (s *Store) ClaimNextApproved(ctx context.Context, workerID string) (*models.Job, error) {
	query := `UPDATE jobs
	          SET state = $1, worker_id = $2, updated_at = NOW(), version = version + 1
	          WHERE id = (
	              SELECT id FROM jobs WHERE state = $3
	              ORDER BY created_at ASC
	              FOR UPDATE SKIP LOCKED
	              LIMIT 1
	          ) AND state = $3
	          RETURNING ` + jobColumns

	var job models.Job
	err := sqlx.GetContext(ctx, s.db, &job, query, models.JobStateQueued, workerID, models.JobStateApproved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &job, nil
}

// MarkCancelRequested sets the cooperative cancel flag on a non-terminal job.
// Workers observe the flag between chunks and before provider calls.
func (s *Store) MarkCancelRequested(ctx context.Context, id string) error {
	query := `UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
	          WHERE id = $1 AND state = ANY($2)`
	res, err := s.db.ExecContext(ctx, query, id, statesArray(models.JobStateQueued, models.JobStateProcessing))
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s not cancellable", models.ErrStateConflict, id)
	}
	return nil
}

// CancelRequested reads the cooperative cancel flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := sqlx.GetContext(ctx, s.db, &requested, `SELECT cancel_requested FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// UpdateProgress persists the rate-limited progress snapshot. It only applies
// to processing jobs so a late snapshot can never dirty a terminal row.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress *models.JobProgress) error {
	query := `UPDATE jobs SET progress = $2, progress_at = NOW(), updated_at = NOW()
	          WHERE id = $1 AND state = $3`
	if _, err := s.db.ExecContext(ctx, query, id, progress, models.JobStateProcessing); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// Filter narrows List and Count.
type Filter struct {
	States   []models.JobState
	Kind     models.JobKind
	Ontology string
	Owner    string
	Limit    int
	Offset   int
}

const defaultListLimit = 50

// List returns jobs matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if len(f.States) > 0 {
		args = append(args, statesArray(f.States...))
		query += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if f.Ontology != "" {
		args = append(args, f.Ontology)
		query += fmt.Sprintf(" AND ontology = $%d", len(args))
	}
	if f.Owner != "" {
		args = append(args, f.Owner)
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var jobs []*models.Job
	if err := sqlx.SelectContext(ctx, s.db, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ExpiredApprovals returns jobs whose approval window has lapsed.
func (s *Store) ExpiredApprovals(ctx context.Context, now time.Time) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
	          WHERE state = $1 AND approval_deadline IS NOT NULL AND approval_deadline < $2
	          ORDER BY approval_deadline ASC`
	var jobs []*models.Job
	if err := sqlx.SelectContext(ctx, s.db, &jobs, query, models.JobStateAwaitingApproval, now); err != nil {
		return nil, fmt.Errorf("failed to scan expired approvals: %w", err)
	}
	return jobs, nil
}

// StalledProcessing returns processing jobs whose last heartbeat predates the
// cutoff. progress_at falls back to updated_at for jobs that never reported.
func (s *Store) StalledProcessing(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
	          WHERE state = $1 AND COALESCE(progress_at, updated_at) < $2
	          ORDER BY created_at ASC`
	var jobs []*models.Job
	if err := sqlx.SelectContext(ctx, s.db, &jobs, query, models.JobStateProcessing, cutoff); err != nil {
		return nil, fmt.Errorf("failed to scan stalled jobs: %w", err)
	}
	return jobs, nil
}

// Orphans returns queued or processing jobs whose worker is not in the live
// set. These are leftovers from a crashed or replaced instance.
func (s *Store) Orphans(ctx context.Context, liveWorkers []string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
	          WHERE state = ANY($1) AND (worker_id IS NULL OR worker_id <> ALL($2))
	          ORDER BY created_at ASC`
	var jobs []*models.Job
	err := sqlx.SelectContext(ctx, s.db, &jobs, query,
		statesArray(models.JobStateQueued, models.JobStateProcessing), pq.Array(liveWorkers))
	if err != nil {
		return nil, fmt.Errorf("failed to scan orphans: %w", err)
	}
	return jobs, nil
}

// GarbageCollect deletes jobs in the given states whose last update predates
// olderThan. Returns the number of rows removed.
func (s *Store) GarbageCollect(ctx context.Context, olderThan time.Time, states []models.JobState) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	query := `DELETE FROM jobs WHERE state = ANY($1) AND updated_at < $2`
	res, err := s.db.ExecContext(ctx, query, statesArray(states...), olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to garbage collect jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountByState returns the number of jobs per state.
func (s *Store) CountByState(ctx context.Context) (map[models.JobState]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT state, COUNT(*) AS n FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.JobState]int64)
	for rows.Next() {
		var state models.JobState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func statesArray(states ...models.JobState) interface{} {
	ss := make([]string, len(states))
	for i, st := range states {
		ss[i] = string(st)
	}
	return pq.Array(ss)
}
