package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

// SchedulerStore is the store surface the sweeper needs.
type SchedulerStore interface {
	ExpiredApprovals(ctx context.Context, now time.Time) ([]*models.Job, error)
	StalledProcessing(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
	Orphans(ctx context.Context, liveWorkers []string) ([]*models.Job, error)
	UpdateStateAtomically(ctx context.Context, id string, from, to models.JobState, patch *Patch) (*models.Job, error)
	GarbageCollect(ctx context.Context, olderThan time.Time, states []models.JobState) (int64, error)
	CountByState(ctx context.Context) (map[models.JobState]int64, error)
}

// CancelSignaler interrupts jobs running on this instance.
type CancelSignaler interface {
	Signal(jobID string) bool
	Instance() string
}

// SweepStats summarizes one scheduler pass.
type SweepStats struct {
	Expired  int   `json:"expired"`
	Stalled  int   `json:"stalled"`
	Requeued int   `json:"requeued"`
	Orphaned int   `json:"orphaned"`
	Pruned   int64 `json:"pruned"`
}

// Scheduler is the single background sweeper: it expires stale approvals,
// reaps stalled jobs, recovers orphans left by dead instances and prunes old
// terminal rows. Every mutation is a CAS, so concurrent sweepers on other
// instances are harmless.
type Scheduler struct {
	store  SchedulerStore
	pool   CancelSignaler
	broker *Broker
	cfg    config.JobsConfig
	logger observability.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler sweeping on cfg.SweepInterval.
func NewScheduler(store SchedulerStore, pool CancelSignaler, broker *Broker, cfg config.JobsConfig, logger observability.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 24 * time.Hour
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 30 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Scheduler{store: store, pool: pool, broker: broker, cfg: cfg, logger: logger}
}

// Start recovers orphans once, then sweeps until the context ends.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if n, failed, err := s.RecoverOrphans(runCtx); err != nil {
			s.logger.Error("Orphan recovery failed", map[string]interface{}{"error": err.Error()})
		} else if n+failed > 0 {
			s.logger.Info("Recovered orphaned jobs", map[string]interface{}{
				"requeued": n,
				"failed":   failed,
			})
		}

		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				stats, err := s.Sweep(runCtx)
				if err != nil {
					s.logger.Error("Sweep failed", map[string]interface{}{"error": err.Error()})
					continue
				}
				if stats.Expired+stats.Stalled+stats.Requeued+stats.Orphaned > 0 || stats.Pruned > 0 {
					s.logger.Info("Sweep finished", map[string]interface{}{
						"expired":  stats.Expired,
						"stalled":  stats.Stalled,
						"requeued": stats.Requeued,
						"orphaned": stats.Orphaned,
						"pruned":   stats.Pruned,
					})
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep runs one full scheduler pass.
func (s *Scheduler) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := time.Now()

	expired, err := s.expireApprovals(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.Expired = expired

	stalled, err := s.reapStalled(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.Stalled = stalled

	requeued, orphaned, err := s.RecoverOrphans(ctx)
	if err != nil {
		return stats, err
	}
	stats.Requeued = requeued
	stats.Orphaned = orphaned

	pruned, err := s.store.GarbageCollect(ctx, now.Add(-s.cfg.Retention), models.TerminalStates())
	if err != nil {
		return stats, err
	}
	stats.Pruned = pruned

	return stats, nil
}

// expireApprovals moves lapsed awaiting_approval jobs to expired.
func (s *Scheduler) expireApprovals(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.store.ExpiredApprovals(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, job := range jobs {
		completed := time.Now()
		jobErr := models.NewJobError(models.ErrKindExpired, "approval window lapsed")
		_, err := s.store.UpdateStateAtomically(ctx, job.ID,
			models.JobStateAwaitingApproval, models.JobStateExpired,
			&Patch{Error: jobErr, CompletedAt: &completed, ClearApprovalDeadline: true})
		if err != nil {
			// Approved or cancelled under us; fine either way.
			s.logger.Debug("Expiry lost the race", map[string]interface{}{"job_id": job.ID})
			continue
		}
		expired++
		if s.broker != nil {
			s.broker.Done(job.ID, models.JobStateExpired, nil, jobErr)
		}
	}
	return expired, nil
}

// reapStalled fails processing jobs without a recent heartbeat and signals
// their local context if they run here.
func (s *Scheduler) reapStalled(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.store.StalledProcessing(ctx, now.Add(-s.cfg.StallThreshold))
	if err != nil {
		return 0, err
	}

	stalled := 0
	for _, job := range jobs {
		completed := time.Now()
		jobErr := models.NewJobError(models.ErrKindStalled,
			fmt.Sprintf("no progress for over %s", s.cfg.StallThreshold))
		_, err := s.store.UpdateStateAtomically(ctx, job.ID,
			models.JobStateProcessing, models.JobStateFailed,
			&Patch{Error: jobErr, CompletedAt: &completed})
		if err != nil {
			s.logger.Debug("Stall reap lost the race", map[string]interface{}{"job_id": job.ID})
			continue
		}
		stalled++
		if s.pool != nil {
			s.pool.Signal(job.ID)
		}
		if s.broker != nil {
			s.broker.Done(job.ID, models.JobStateFailed, nil, jobErr)
		}
	}
	return stalled, nil
}

// RecoverOrphans requeues queued/processing jobs whose worker is gone, or
// fails them once the retry budget is spent. Returns (requeued, failed).
func (s *Scheduler) RecoverOrphans(ctx context.Context) (int, int, error) {
	live := []string{""}
	if s.pool != nil {
		live = []string{s.pool.Instance()}
	}
	jobs, err := s.store.Orphans(ctx, live)
	if err != nil {
		return 0, 0, err
	}

	requeued, failed := 0, 0
	for _, job := range jobs {
		if job.RetryCount < s.cfg.RetryBudget {
			retries := job.RetryCount + 1
			_, err := s.store.UpdateStateAtomically(ctx, job.ID,
				job.State, models.JobStateApproved,
				&Patch{ClearWorker: true, RetryCount: &retries})
			if err != nil {
				s.logger.Debug("Orphan requeue lost the race", map[string]interface{}{"job_id": job.ID})
				continue
			}
			requeued++
			continue
		}

		completed := time.Now()
		jobErr := models.NewJobError(models.ErrKindInternal,
			fmt.Sprintf("orphaned by worker %s after %d retries", deref(job.WorkerID), job.RetryCount))
		_, err := s.store.UpdateStateAtomically(ctx, job.ID,
			job.State, models.JobStateFailed,
			&Patch{Error: jobErr, CompletedAt: &completed})
		if err != nil {
			s.logger.Debug("Orphan fail lost the race", map[string]interface{}{"job_id": job.ID})
			continue
		}
		failed++
		if s.broker != nil {
			s.broker.Done(job.ID, models.JobStateFailed, nil, jobErr)
		}
	}
	return requeued, failed, nil
}

func deref(s *string) string {
	if s == nil {
		return "unknown"
	}
	return *s
}
