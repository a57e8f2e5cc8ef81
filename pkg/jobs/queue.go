package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

// Worker runs one kind of job to completion. Implementations observe ctx
// cancellation between chunks and before provider calls; on observing it they
// return with whatever partial result is safe to report.
type Worker interface {
	Kind() models.JobKind
	Run(ctx context.Context, job *models.Job, progress *Reporter) (models.JSONMap, error)
}

// QueueStore is the store surface the dispatcher needs.
type QueueStore interface {
	ClaimNextApproved(ctx context.Context, workerID string) (*models.Job, error)
	UpdateStateAtomically(ctx context.Context, id string, from, to models.JobState, patch *Patch) (*models.Job, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// finishTimeout bounds the terminal bookkeeping CAS, which runs on a fresh
// context so a pool shutdown cannot strand a finished job in processing.
const finishTimeout = 30 * time.Second

// Queue dispatches approved jobs to a fixed pool of workers, one job per slot
// at a time. At-most-once start is the store's CAS claim, not anything held
// in process.
type Queue struct {
	store    QueueStore
	broker   *Broker
	logger   observability.Logger
	workers  map[models.JobKind]Worker
	instance string
	poolSize int
	poll     time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewQueue creates a worker pool. Register workers before Start.
func NewQueue(store QueueStore, broker *Broker, cfg config.JobsConfig, logger observability.Logger) *Queue {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Queue{
		store:    store,
		broker:   broker,
		logger:   logger,
		workers:  make(map[models.JobKind]Worker),
		instance: "pool-" + uuid.NewString()[:8],
		poolSize: poolSize,
		poll:     poll,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register adds a worker for its kind. Call before Start.
func (q *Queue) Register(w Worker) {
	q.workers[w.Kind()] = w
}

// Instance returns the worker id stamped on claims. The scheduler treats it
// as the live worker set when recovering orphans.
func (q *Queue) Instance() string { return q.instance }

// Start launches the dispatch pool.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.logger.Info("Starting job queue", map[string]interface{}{
		"instance":  q.instance,
		"pool_size": q.poolSize,
		"poll":      q.poll.String(),
	})
	for i := 0; i < q.poolSize; i++ {
		q.wg.Add(1)
		go q.dispatchLoop(runCtx)
	}
}

// Stop signals every slot and waits for in-flight jobs to wind down. Jobs
// interrupted by shutdown are requeued, not cancelled.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("Job queue stopped", map[string]interface{}{"instance": q.instance})
}

// Signal cancels the running context of a job executing on this instance.
// Returns false when the job is not running here.
func (q *Queue) Signal(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cancel, ok := q.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Running returns the ids of jobs currently executing on this instance.
func (q *Queue) Running() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.cancels))
	for id := range q.cancels {
		ids = append(ids, id)
	}
	return ids
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		// Drain every ready job before sleeping.
		for ctx.Err() == nil {
			job, err := q.store.ClaimNextApproved(ctx, q.instance)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Error("Failed to claim job", map[string]interface{}{"error": err.Error()})
				}
				break
			}
			if job == nil {
				break
			}
			q.run(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// run takes a freshly claimed (queued) job through processing to a terminal
// state.
func (q *Queue) run(ctx context.Context, claimed *models.Job) {
	started := time.Now()
	job, err := q.store.UpdateStateAtomically(ctx, claimed.ID,
		models.JobStateQueued, models.JobStateProcessing, &Patch{StartedAt: &started})
	if err != nil {
		// Lost to a cancel or a sweeper between claim and start.
		q.logger.Warn("Claimed job moved before start", map[string]interface{}{
			"job_id": claimed.ID,
			"error":  err.Error(),
		})
		return
	}

	var jobCtx context.Context
	var cancel context.CancelFunc
	if job.Deadline != nil {
		jobCtx, cancel = context.WithDeadline(ctx, *job.Deadline)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	q.mu.Lock()
	q.cancels[job.ID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.cancels, job.ID)
		q.mu.Unlock()
	}()

	q.wg.Add(1)
	go q.watchCancelFlag(jobCtx, job.ID, cancel)

	q.logger.Info("Job started", map[string]interface{}{
		"job_id": job.ID,
		"kind":   string(job.Kind),
	})

	worker, ok := q.workers[job.Kind]
	if !ok {
		q.finish(job, nil, fmt.Errorf("no worker registered for kind %s", job.Kind))
		return
	}

	result, runErr := worker.Run(jobCtx, job, q.broker.Reporter(job.ID))
	q.finish(job, result, runErr)
}

// watchCancelFlag polls the durable cancel flag so cancels issued on another
// instance still interrupt a worker running here.
func (q *Queue) watchCancelFlag(ctx context.Context, jobID string, cancel context.CancelFunc) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := q.store.CancelRequested(ctx, jobID)
			if err != nil {
				continue
			}
			if requested {
				cancel()
				return
			}
		}
	}
}

// finish applies the terminal (or requeue) transition for a finished run. It
// deliberately uses a fresh context: the pool context may already be dead.
func (q *Queue) finish(job *models.Job, result models.JSONMap, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	completed := time.Now()

	if runErr == nil {
		patch := &Patch{Result: result, CompletedAt: &completed}
		if patch.Result == nil {
			patch.Result = models.JSONMap{"status": "completed"}
		}
		if _, err := q.store.UpdateStateAtomically(ctx, job.ID,
			models.JobStateProcessing, models.JobStateCompleted, patch); err != nil {
			q.logger.Warn("Lost terminal transition", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
			return
		}
		q.logger.Info("Job completed", map[string]interface{}{"job_id": job.ID, "kind": string(job.Kind)})
		q.broker.Done(job.ID, models.JobStateCompleted, patch.Result, nil)
		return
	}

	if errors.Is(runErr, context.Canceled) {
		requested, err := q.store.CancelRequested(ctx, job.ID)
		if err == nil && !requested {
			// Shutdown, not a user cancel: hand the job back for re-dispatch.
			if _, err := q.store.UpdateStateAtomically(ctx, job.ID,
				models.JobStateProcessing, models.JobStateApproved, &Patch{ClearWorker: true}); err != nil {
				q.logger.Warn("Failed to requeue job on shutdown", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
			} else {
				q.logger.Info("Job requeued on shutdown", map[string]interface{}{"job_id": job.ID})
			}
			return
		}
	}

	target := models.JobStateFailed
	jobErr := models.AsJobError(runErr)
	switch {
	case errors.Is(runErr, context.Canceled) || jobErr.Kind == models.ErrKindCancelled:
		target = models.JobStateCancelled
		if jobErr.Kind != models.ErrKindCancelled {
			jobErr = models.NewJobError(models.ErrKindCancelled, "job cancelled").WithDetail(runErr.Error())
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		jobErr = models.NewJobError(models.ErrKindStalled, "job deadline exceeded")
	}

	patch := &Patch{Error: jobErr, CompletedAt: &completed}
	if result != nil {
		// Partial results from cancelled runs stay visible.
		patch.Result = result
	}
	if _, err := q.store.UpdateStateAtomically(ctx, job.ID,
		models.JobStateProcessing, target, patch); err != nil {
		q.logger.Warn("Lost terminal transition", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		return
	}
	q.logger.Info("Job finished", map[string]interface{}{
		"job_id": job.ID,
		"kind":   string(job.Kind),
		"state":  string(target),
		"error":  jobErr.Error(),
	})
	q.broker.Done(job.ID, target, patch.Result, jobErr)
}
