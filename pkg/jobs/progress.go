package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
)

// Event types on a job's progress stream.
const (
	EventProgress = "progress"
	EventDone     = "done"
)

// Event is one message on a job's progress stream. Progress events carry the
// stage and counter deltas; the single done event carries the terminal state
// with the result or error.
type Event struct {
	Type       string           `json:"type"`
	JobID      string           `json:"job_id"`
	Stage      string           `json:"stage,omitempty"`
	ItemsDone  int              `json:"items_done,omitempty"`
	ItemsTotal int              `json:"items_total,omitempty"`
	Message    string           `json:"message,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
	State      models.JobState  `json:"state,omitempty"`
	Result     models.JSONMap   `json:"result,omitempty"`
	Error      *models.JobError `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ProgressStore is the store surface the broker needs.
type ProgressStore interface {
	Load(ctx context.Context, id string) (*models.Job, error)
	UpdateProgress(ctx context.Context, id string, progress *models.JobProgress) error
}

// Subscribers that fall this far behind lose intermediate progress events.
// The stream stays ordered; it just skips frames.
const subscriberBuffer = 64

// Broker fans worker progress out to stream subscribers and persists a
// rate-limited snapshot so the polling endpoint sees recent state. Events for
// one job are delivered to each subscriber in emission order; nothing is
// guaranteed across jobs.
type Broker struct {
	store     ProgressStore
	logger    observability.Logger
	frequency rate.Limit

	mu        sync.Mutex
	subs      map[string]map[chan Event]struct{}
	snapshots map[string]*models.JobProgress
	limiters  map[string]*rate.Limiter
}

// NewBroker creates a broker persisting at most perSecond snapshots per job.
func NewBroker(store ProgressStore, perSecond float64, logger observability.Logger) *Broker {
	if perSecond <= 0 {
		perSecond = 1
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Broker{
		store:     store,
		logger:    logger,
		frequency: rate.Limit(perSecond),
		subs:      make(map[string]map[chan Event]struct{}),
		snapshots: make(map[string]*models.JobProgress),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Reporter returns the worker-side handle for a job's progress stream.
func (b *Broker) Reporter(jobID string) *Reporter {
	return &Reporter{broker: b, jobID: jobID}
}

// Publish folds a progress event into the job's running snapshot, fans it out
// to subscribers and persists the snapshot when the rate limiter allows.
func (b *Broker) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Type = EventProgress

	b.mu.Lock()
	snap := b.snapshots[ev.JobID]
	if snap == nil {
		snap = &models.JobProgress{Counters: make(map[string]int64)}
		b.snapshots[ev.JobID] = snap
	}
	if ev.Stage != "" {
		snap.Stage = ev.Stage
	}
	snap.ItemsDone = ev.ItemsDone
	if ev.ItemsTotal > 0 {
		snap.ItemsTotal = ev.ItemsTotal
	}
	if ev.Message != "" {
		snap.Message = ev.Message
	}
	for k, delta := range ev.Counters {
		snap.Counters[k] += delta
	}
	if snap.ItemsTotal > 0 {
		snap.Percent = float64(snap.ItemsDone) / float64(snap.ItemsTotal) * 100
	}
	snap.UpdatedAt = ev.Timestamp

	limiter := b.limiters[ev.JobID]
	if limiter == nil {
		limiter = rate.NewLimiter(b.frequency, 1)
		b.limiters[ev.JobID] = limiter
	}
	persist := limiter.Allow()
	var copied *models.JobProgress
	if persist {
		copied = copySnapshot(snap)
	}

	b.fanOut(ev.JobID, ev)
	b.mu.Unlock()

	if persist {
		if err := b.store.UpdateProgress(ctx, ev.JobID, copied); err != nil {
			b.logger.Warn("Failed to persist progress snapshot", map[string]interface{}{
				"job_id": ev.JobID,
				"error":  err.Error(),
			})
		}
	}
}

// Done emits the terminal event for a job, closes every subscription and
// drops the job's broker state. The terminal row itself is written by the
// dispatcher's CAS, not here.
func (b *Broker) Done(jobID string, state models.JobState, result models.JSONMap, jobErr *models.JobError) {
	ev := Event{
		Type:      EventDone,
		JobID:     jobID,
		State:     state,
		Result:    result,
		Error:     jobErr,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.fanOut(jobID, ev)
	for ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
	delete(b.snapshots, jobID)
	delete(b.limiters, jobID)
}

// Subscribe attaches to a job's progress stream. Subscribers that arrive
// after the job is terminal receive a single done event built from the stored
// row, then a close. The returned cancel is idempotent and must be called.
func (b *Broker) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[jobID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, jobID)
				}
			}
		}
	}

	// Check the row after registering: a job that went terminal before the
	// registration would otherwise never close this subscription.
	job, err := b.store.Load(ctx, jobID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if job.IsTerminal() {
		cancel()
		replay := make(chan Event, 1)
		replay <- doneEventFromJob(job)
		close(replay)
		return replay, func() {}, nil
	}
	return ch, cancel, nil
}

// fanOut delivers under b.mu. Full subscribers lose the event rather than
// blocking the worker.
func (b *Broker) fanOut(jobID string, ev Event) {
	for ch := range b.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func doneEventFromJob(job *models.Job) Event {
	return Event{
		Type:      EventDone,
		JobID:     job.ID,
		State:     job.State,
		Result:    job.Result,
		Error:     job.Error,
		Timestamp: time.Now(),
	}
}

func copySnapshot(snap *models.JobProgress) *models.JobProgress {
	cp := *snap
	cp.Counters = make(map[string]int64, len(snap.Counters))
	for k, v := range snap.Counters {
		cp.Counters[k] = v
	}
	return &cp
}

// Reporter is the worker-side handle for emitting progress. A nil reporter
// discards everything, which keeps direct CLI invocations free of wiring.
type Reporter struct {
	broker *Broker
	jobID  string
}

// Emit publishes one progress event.
func (r *Reporter) Emit(ctx context.Context, stage string, done, total int, message string, counters map[string]int64) {
	if r == nil || r.broker == nil {
		return
	}
	r.broker.Publish(ctx, Event{
		JobID:      r.jobID,
		Stage:      stage,
		ItemsDone:  done,
		ItemsTotal: total,
		Message:    message,
		Counters:   counters,
	})
}
