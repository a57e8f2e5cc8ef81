package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

func testSchedulerConfig() config.JobsConfig {
	return config.JobsConfig{
		SweepInterval:  time.Hour,
		ApprovalTTL:    24 * time.Hour,
		StallThreshold: 30 * time.Minute,
		Retention:      7 * 24 * time.Hour,
		RetryBudget:    1,
	}
}

func newTestScheduler(store *fakeStore, pool *fakeSignaler) *Scheduler {
	broker := NewBroker(store, 1000, observability.NewNoopLogger())
	return NewScheduler(store, pool, broker, testSchedulerConfig(), observability.NewNoopLogger())
}

func TestSweepExpiresLapsedApprovals(t *testing.T) {
	store := newFakeStore()
	deadline := time.Now().Add(-time.Minute)
	store.add(&models.Job{
		ID:               "j1",
		State:            models.JobStateAwaitingApproval,
		ApprovalDeadline: &deadline,
	})
	fresh := time.Now().Add(time.Hour)
	store.add(&models.Job{
		ID:               "j2",
		State:            models.JobStateAwaitingApproval,
		ApprovalDeadline: &fresh,
	})

	sched := newTestScheduler(store, newFakeSignaler("pool-1"))
	stats, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	expired := store.snapshot("j1")
	assert.Equal(t, models.JobStateExpired, expired.State)
	require.NotNil(t, expired.Error)
	assert.Equal(t, models.ErrKindExpired, expired.Error.Kind)
	assert.NotNil(t, expired.CompletedAt)
	assert.Nil(t, expired.ApprovalDeadline)

	assert.Equal(t, models.JobStateAwaitingApproval, store.snapshot("j2").State)
}

func TestSweepReapsStalledProcessing(t *testing.T) {
	store := newFakeStore()
	worker := "pool-1"
	stale := time.Now().Add(-time.Hour)
	store.add(&models.Job{
		ID:         "j1",
		State:      models.JobStateProcessing,
		WorkerID:   &worker,
		ProgressAt: &stale,
	})

	pool := newFakeSignaler("pool-1")
	sched := newTestScheduler(store, pool)
	stats, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stalled)

	job := store.snapshot("j1")
	assert.Equal(t, models.JobStateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.ErrKindStalled, job.Error.Kind)
	assert.Equal(t, []string{"j1"}, pool.signalled(), "a locally running stalled job gets its context cut")
}

func TestSweepLeavesHealthyProcessingAlone(t *testing.T) {
	store := newFakeStore()
	worker := "pool-1"
	recent := time.Now().Add(-time.Minute)
	store.add(&models.Job{
		ID:         "j1",
		State:      models.JobStateProcessing,
		WorkerID:   &worker,
		ProgressAt: &recent,
	})

	sched := newTestScheduler(store, newFakeSignaler("pool-1"))
	stats, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Stalled)
	assert.Equal(t, models.JobStateProcessing, store.snapshot("j1").State)
}

func TestRecoverOrphansRequeuesWithinBudget(t *testing.T) {
	store := newFakeStore()
	dead := "pool-dead"
	store.add(&models.Job{
		ID:       "j1",
		State:    models.JobStateQueued,
		WorkerID: &dead,
	})

	sched := newTestScheduler(store, newFakeSignaler("pool-1"))
	requeued, failed, err := sched.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, failed)

	job := store.snapshot("j1")
	assert.Equal(t, models.JobStateApproved, job.State)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.WorkerID)
}

func TestRecoverOrphansFailsWhenBudgetSpent(t *testing.T) {
	store := newFakeStore()
	dead := "pool-dead"
	store.add(&models.Job{
		ID:         "j1",
		State:      models.JobStateProcessing,
		WorkerID:   &dead,
		RetryCount: 1,
	})

	sched := newTestScheduler(store, newFakeSignaler("pool-1"))
	requeued, failed, err := sched.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 1, failed)

	job := store.snapshot("j1")
	assert.Equal(t, models.JobStateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.ErrKindInternal, job.Error.Kind)
	assert.Contains(t, job.Error.Message, "pool-dead")
}

func TestRecoverOrphansSkipsLiveWorker(t *testing.T) {
	store := newFakeStore()
	live := "pool-1"
	store.add(&models.Job{
		ID:       "j1",
		State:    models.JobStateProcessing,
		WorkerID: &live,
	})

	sched := newTestScheduler(store, newFakeSignaler("pool-1"))
	requeued, failed, err := sched.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 0, failed)
	assert.Equal(t, models.JobStateProcessing, store.snapshot("j1").State)
}

func TestSweepPrunesOldTerminalJobs(t *testing.T) {
	store := newFakeStore()
	old := time.Now().Add(-8 * 24 * time.Hour)
	store.add(&models.Job{ID: "j1", State: models.JobStateCompleted, UpdatedAt: old})
	store.add(&models.Job{ID: "j2", State: models.JobStateFailed, UpdatedAt: old})
	store.add(&models.Job{ID: "j3", State: models.JobStateCompleted, UpdatedAt: time.Now()})
	store.add(&models.Job{ID: "j4", State: models.JobStateProcessing, UpdatedAt: old})

	sched := newTestScheduler(store, newFakeSignaler("pool-1"))
	stats, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pruned)

	assert.Equal(t, models.JobState(""), store.snapshot("j1").State)
	assert.Equal(t, models.JobState(""), store.snapshot("j2").State)
	assert.Equal(t, models.JobStateCompleted, store.snapshot("j3").State)
	assert.Equal(t, models.JobStateProcessing, store.snapshot("j4").State, "live jobs never age out")
}

func TestSchedulerStartRecoversThenSweeps(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	dead := "pool-dead"
	store.add(&models.Job{
		ID:       "j1",
		State:    models.JobStateQueued,
		WorkerID: &dead,
	})

	sched := newTestScheduler(store, newFakeSignaler("pool-1"))
	sched.Start(context.Background())

	require.Eventually(t, func() bool {
		return store.snapshot("j1").State == models.JobStateApproved
	}, 2*time.Second, 10*time.Millisecond)

	sched.Stop()
}
