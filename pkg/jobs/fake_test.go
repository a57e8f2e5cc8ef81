package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gnosis-kg/gnosis/pkg/models"
)

// fakeStore is an in-memory job store with the same CAS semantics as the SQL
// one. It backs the queue, scheduler, broker and intake tests.
type fakeStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	claims int

	progressWrites int
	lastProgress   *models.JobProgress
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*models.Job)}
}

func (f *fakeStore) add(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	f.jobs[cp.ID] = &cp
}

// snapshot returns a copy for assertions.
func (f *fakeStore) snapshot(id string) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}
	}
	return *job
}

func (f *fakeStore) Insert(ctx context.Context, job *models.Job) error {
	f.add(job)
	return nil
}

func (f *fakeStore) Load(ctx context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) FindByDedupKey(ctx context.Context, key, ontology string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest *models.Job
	for _, j := range f.jobs {
		if j.DedupKey == key && j.Ontology == ontology {
			if newest == nil || j.CreatedAt.After(newest.CreatedAt) {
				newest = j
			}
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: no job with dedup key", models.ErrNotFound)
	}
	cp := *newest
	return &cp, nil
}

func (f *fakeStore) UpdateStateAtomically(ctx context.Context, id string, from, to models.JobState, patch *Patch) (*models.Job, error) {
	if !models.ValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	if job.State != from {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", models.ErrStateConflict, id, job.State, from)
	}

	job.State = to
	job.UpdatedAt = time.Now()
	job.Version++
	if patch != nil {
		if patch.Progress != nil {
			job.Progress = patch.Progress
			now := time.Now()
			job.ProgressAt = &now
		}
		if patch.Result != nil {
			job.Result = patch.Result
		}
		if patch.Error != nil {
			job.Error = patch.Error
		}
		if patch.WorkerID != nil {
			job.WorkerID = patch.WorkerID
		} else if patch.ClearWorker {
			job.WorkerID = nil
		}
		if patch.ChunkPlan != nil {
			job.ChunkPlan = patch.ChunkPlan
		}
		if patch.CostEstimate != nil {
			job.CostEstimate = patch.CostEstimate
		}
		if patch.ApprovedAt != nil {
			job.ApprovedAt = patch.ApprovedAt
		}
		if patch.ApprovedBy != nil {
			job.ApprovedBy = patch.ApprovedBy
		}
		if patch.ClearApprovalDeadline {
			job.ApprovalDeadline = nil
		}
		if patch.StartedAt != nil {
			job.StartedAt = patch.StartedAt
		}
		if patch.CompletedAt != nil {
			job.CompletedAt = patch.CompletedAt
		}
		if patch.RetryCount != nil {
			job.RetryCount = *patch.RetryCount
		}
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) ClaimNextApproved(ctx context.Context, workerID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var oldest *models.Job
	for _, j := range f.jobs {
		if j.State != models.JobStateApproved {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.State = models.JobStateQueued
	oldest.WorkerID = &workerID
	oldest.UpdatedAt = time.Now()
	oldest.Version++
	f.claims++
	cp := *oldest
	return &cp, nil
}

func (f *fakeStore) MarkCancelRequested(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	if job.State != models.JobStateQueued && job.State != models.JobStateProcessing {
		return fmt.Errorf("%w: job %s not cancellable", models.ErrStateConflict, id)
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	return job.CancelRequested, nil
}

func (f *fakeStore) UpdateProgress(ctx context.Context, id string, progress *models.JobProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.State != models.JobStateProcessing {
		return nil
	}
	job.Progress = progress
	now := time.Now()
	job.ProgressAt = &now
	f.progressWrites++
	f.lastProgress = progress
	return nil
}

func (f *fakeStore) ExpiredApprovals(ctx context.Context, now time.Time) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, j := range f.jobs {
		if j.State == models.JobStateAwaitingApproval && j.ApprovalDeadline != nil && j.ApprovalDeadline.Before(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) StalledProcessing(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, j := range f.jobs {
		if j.State != models.JobStateProcessing {
			continue
		}
		last := j.UpdatedAt
		if j.ProgressAt != nil {
			last = *j.ProgressAt
		}
		if last.Before(cutoff) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) Orphans(ctx context.Context, liveWorkers []string) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := make(map[string]bool, len(liveWorkers))
	for _, w := range liveWorkers {
		live[w] = true
	}
	var out []*models.Job
	for _, j := range f.jobs {
		if j.State != models.JobStateQueued && j.State != models.JobStateProcessing {
			continue
		}
		if j.WorkerID == nil || !live[*j.WorkerID] {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GarbageCollect(ctx context.Context, olderThan time.Time, states []models.JobState) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	match := make(map[models.JobState]bool, len(states))
	for _, st := range states {
		match[st] = true
	}
	var n int64
	for id, j := range f.jobs {
		if match[j.State] && j.UpdatedAt.Before(olderThan) {
			delete(f.jobs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountByState(ctx context.Context) (map[models.JobState]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[models.JobState]int64)
	for _, j := range f.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func (f *fakeStore) progressWriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progressWrites
}

func (f *fakeStore) lastProgressWrite() *models.JobProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastProgress
}

// fakeSignaler records cancel signals.
type fakeSignaler struct {
	mu       sync.Mutex
	instance string
	signals  []string
}

func newFakeSignaler(instance string) *fakeSignaler {
	return &fakeSignaler{instance: instance}
}

func (s *fakeSignaler) Signal(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, jobID)
	return true
}

func (s *fakeSignaler) Instance() string { return s.instance }

func (s *fakeSignaler) signalled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}
