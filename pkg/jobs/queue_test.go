package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

type fakeWorker struct {
	kind models.JobKind
	run  func(ctx context.Context, job *models.Job, progress *Reporter) (models.JSONMap, error)
}

func (w *fakeWorker) Kind() models.JobKind { return w.kind }

func (w *fakeWorker) Run(ctx context.Context, job *models.Job, progress *Reporter) (models.JSONMap, error) {
	return w.run(ctx, job, progress)
}

func testQueueConfig() config.JobsConfig {
	return config.JobsConfig{PoolSize: 1, PollInterval: 10 * time.Millisecond}
}

func newTestQueue(store *fakeStore, cfg config.JobsConfig) *Queue {
	broker := NewBroker(store, 1000, observability.NewNoopLogger())
	return NewQueue(store, broker, cfg, observability.NewNoopLogger())
}

func TestQueueRunsApprovedJobToCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.add(&models.Job{ID: "j1", Kind: models.JobKindIngestText, State: models.JobStateApproved})

	q := newTestQueue(store, testQueueConfig())
	q.Register(&fakeWorker{kind: models.JobKindIngestText, run: func(ctx context.Context, job *models.Job, progress *Reporter) (models.JSONMap, error) {
		return models.JSONMap{"status": "completed", "chunks": 3}, nil
	}})

	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	job := store.snapshot("j1")
	assert.Equal(t, "completed", job.Result["status"])
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, q.Instance(), *job.WorkerID)
}

func TestQueueStartsEachJobAtMostOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.add(&models.Job{ID: "j1", Kind: models.JobKindAnalysis, State: models.JobStateApproved})

	var runs int64
	cfg := config.JobsConfig{PoolSize: 4, PollInterval: 5 * time.Millisecond}
	q := newTestQueue(store, cfg)
	q.Register(&fakeWorker{kind: models.JobKindAnalysis, run: func(ctx context.Context, job *models.Job, progress *Reporter) (models.JSONMap, error) {
		atomic.AddInt64(&runs, 1)
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}})

	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// Give the other slots a few more polls to prove nobody double-claims.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))
}

func TestQueueFailsJobOnWorkerError(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.add(&models.Job{ID: "j1", Kind: models.JobKindIngestText, State: models.JobStateApproved})

	q := newTestQueue(store, testQueueConfig())
	q.Register(&fakeWorker{kind: models.JobKindIngestText, run: func(ctx context.Context, job *models.Job, progress *Reporter) (models.JSONMap, error) {
		return nil, errors.New("extractor exploded")
	}})

	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateFailed
	}, 2*time.Second, 10*time.Millisecond)

	job := store.snapshot("j1")
	require.NotNil(t, job.Error)
	assert.Equal(t, models.ErrKindInternal, job.Error.Kind)
	assert.Contains(t, job.Error.Detail, "extractor exploded")
}

func TestQueueFailsUnknownKind(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.add(&models.Job{ID: "j1", Kind: models.JobKindRestore, State: models.JobStateApproved})

	q := newTestQueue(store, testQueueConfig())
	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateFailed
	}, 2*time.Second, 10*time.Millisecond)

	job := store.snapshot("j1")
	require.NotNil(t, job.Error)
	assert.Contains(t, job.Error.Detail, "no worker registered")
}

func TestQueueCancelFlagStopsWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.add(&models.Job{ID: "j1", Kind: models.JobKindIngestText, State: models.JobStateApproved})

	q := newTestQueue(store, testQueueConfig())
	q.Register(&fakeWorker{kind: models.JobKindIngestText, run: func(ctx context.Context, job *models.Job, progress *Reporter) (models.JSONMap, error) {
		<-ctx.Done()
		return models.JSONMap{"partial": true}, ctx.Err()
	}})

	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateProcessing
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.MarkCancelRequested(context.Background(), "j1"))

	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateCancelled
	}, 2*time.Second, 10*time.Millisecond)

	job := store.snapshot("j1")
	require.NotNil(t, job.Error)
	assert.Equal(t, models.ErrKindCancelled, job.Error.Kind)
	assert.Equal(t, true, job.Result["partial"], "partial results from a cancelled run stay visible")
}

func TestQueueShutdownRequeuesInFlightJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.add(&models.Job{ID: "j1", Kind: models.JobKindIngestText, State: models.JobStateApproved})

	q := newTestQueue(store, testQueueConfig())
	q.Register(&fakeWorker{kind: models.JobKindIngestText, run: func(ctx context.Context, job *models.Job, progress *Reporter) (models.JSONMap, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	q.Start(context.Background())
	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateProcessing
	}, 2*time.Second, 10*time.Millisecond)

	q.Stop()

	job := store.snapshot("j1")
	assert.Equal(t, models.JobStateApproved, job.State, "shutdown hands the job back, it is not a cancel")
	assert.Nil(t, job.WorkerID)
}

func TestQueueSignalCancelsLocalJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	store.add(&models.Job{ID: "j1", Kind: models.JobKindIngestText, State: models.JobStateApproved})

	q := newTestQueue(store, testQueueConfig())
	q.Register(&fakeWorker{kind: models.JobKindIngestText, run: func(ctx context.Context, job *models.Job, progress *Reporter) (models.JSONMap, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateProcessing
	}, 2*time.Second, 10*time.Millisecond)

	// The durable flag marks this as a user cancel; Signal skips the poll wait.
	require.NoError(t, store.MarkCancelRequested(context.Background(), "j1"))
	assert.True(t, q.Signal("j1"))
	assert.Contains(t, q.Running(), "j1")

	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateCancelled
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, q.Signal("j1"), "finished jobs are no longer signalable")
}
