package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

func receiveEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed before the expected event")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func requireClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected the stream to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestBrokerDeliversEventsInOrder(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Job{ID: "j1", State: models.JobStateProcessing})

	broker := NewBroker(store, 1000, observability.NewNoopLogger())
	ch, cancel, err := broker.Subscribe(context.Background(), "j1")
	require.NoError(t, err)
	defer cancel()

	rep := broker.Reporter("j1")
	rep.Emit(context.Background(), "chunking", 0, 4, "", nil)
	rep.Emit(context.Background(), "extracting", 1, 4, "", map[string]int64{"concepts": 12})
	rep.Emit(context.Background(), "extracting", 2, 4, "halfway", nil)

	first := receiveEvent(t, ch)
	assert.Equal(t, EventProgress, first.Type)
	assert.Equal(t, "chunking", first.Stage)
	assert.Equal(t, 4, first.ItemsTotal)

	second := receiveEvent(t, ch)
	assert.Equal(t, "extracting", second.Stage)
	assert.Equal(t, 1, second.ItemsDone)
	assert.Equal(t, int64(12), second.Counters["concepts"])

	third := receiveEvent(t, ch)
	assert.Equal(t, 2, third.ItemsDone)
	assert.Equal(t, "halfway", third.Message)
}

func TestBrokerDoneClosesSubscribers(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Job{ID: "j1", State: models.JobStateProcessing})

	broker := NewBroker(store, 1000, observability.NewNoopLogger())
	ch, cancel, err := broker.Subscribe(context.Background(), "j1")
	require.NoError(t, err)
	defer cancel()

	broker.Done("j1", models.JobStateCompleted, models.JSONMap{"chunks": 4}, nil)

	done := receiveEvent(t, ch)
	assert.Equal(t, EventDone, done.Type)
	assert.Equal(t, models.JobStateCompleted, done.State)
	assert.Equal(t, 4, done.Result["chunks"])
	requireClosed(t, ch)
}

func TestBrokerLateSubscriberGetsReplayedTerminal(t *testing.T) {
	store := newFakeStore()
	completed := time.Now()
	store.add(&models.Job{
		ID:          "j1",
		State:       models.JobStateCompleted,
		Result:      models.JSONMap{"chunks": 7},
		CompletedAt: &completed,
	})

	broker := NewBroker(store, 1000, observability.NewNoopLogger())
	ch, cancel, err := broker.Subscribe(context.Background(), "j1")
	require.NoError(t, err)
	defer cancel()

	done := receiveEvent(t, ch)
	assert.Equal(t, EventDone, done.Type)
	assert.Equal(t, models.JobStateCompleted, done.State)
	assert.Equal(t, 7, done.Result["chunks"])
	requireClosed(t, ch)
}

func TestBrokerSubscribeUnknownJob(t *testing.T) {
	store := newFakeStore()
	broker := NewBroker(store, 1000, observability.NewNoopLogger())

	_, _, err := broker.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBrokerPersistsAtMostOneSnapshotPerWindow(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Job{ID: "j1", State: models.JobStateProcessing})

	broker := NewBroker(store, 1, observability.NewNoopLogger())
	rep := broker.Reporter("j1")
	for i := 0; i < 5; i++ {
		rep.Emit(context.Background(), "extracting", i, 5, "", nil)
	}

	assert.Equal(t, 1, store.progressWriteCount(), "a burst collapses to one persisted snapshot")
}

func TestBrokerSnapshotAccumulatesCounterDeltas(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Job{ID: "j1", State: models.JobStateProcessing})

	broker := NewBroker(store, 1000, observability.NewNoopLogger())
	rep := broker.Reporter("j1")

	rep.Emit(context.Background(), "extracting", 1, 4, "", map[string]int64{"concepts": 3})
	time.Sleep(20 * time.Millisecond)
	rep.Emit(context.Background(), "extracting", 2, 4, "", map[string]int64{"concepts": 2, "relations": 5})

	snap := store.lastProgressWrite()
	require.NotNil(t, snap)
	assert.Equal(t, int64(5), snap.Counters["concepts"])
	assert.Equal(t, int64(5), snap.Counters["relations"])
	assert.Equal(t, 2, snap.ItemsDone)
	assert.InDelta(t, 50.0, snap.Percent, 0.01)
}

func TestBrokerCancelIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Job{ID: "j1", State: models.JobStateProcessing})

	broker := NewBroker(store, 1000, observability.NewNoopLogger())
	_, cancel, err := broker.Subscribe(context.Background(), "j1")
	require.NoError(t, err)

	cancel()
	cancel()
	broker.Done("j1", models.JobStateCompleted, nil, nil)
}

func TestNilReporterDiscards(t *testing.T) {
	var rep *Reporter
	rep.Emit(context.Background(), "extracting", 1, 2, "", nil)
}
