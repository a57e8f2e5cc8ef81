package models

import "time"

// Event type names as they appear on the SSE wire.
const (
	EventProgress = "progress"
	EventWarning  = "warning"
	EventDone     = "done"
)

// ProgressEvent is emitted by workers to the in-process broker. Events for a
// single job are delivered to each subscriber in emission order.
type ProgressEvent struct {
	JobID      string           `json:"job_id"`
	Stage      string           `json:"stage"`
	ItemsDone  int              `json:"items_done"`
	ItemsTotal int              `json:"items_total"`
	Message    string           `json:"message,omitempty"`
	Level      string           `json:"level,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Percent computes completion as a 0..100 value.
func (e ProgressEvent) Percent() float64 {
	if e.ItemsTotal <= 0 {
		return 0
	}
	return float64(e.ItemsDone) / float64(e.ItemsTotal) * 100
}

// Snapshot converts the event into the persisted progress representation.
func (e ProgressEvent) Snapshot() JobProgress {
	return JobProgress{
		Stage:      e.Stage,
		ItemsDone:  e.ItemsDone,
		ItemsTotal: e.ItemsTotal,
		Percent:    e.Percent(),
		Message:    e.Message,
		Counters:   e.Counters,
		UpdatedAt:  e.Timestamp,
	}
}

// JobDoneEvent is the single terminal event for a job stream. Subscribers
// that connect after the job finished receive one of these and a close.
type JobDoneEvent struct {
	JobID  string    `json:"job_id"`
	State  JobState  `json:"state"`
	Result JSONMap   `json:"result,omitempty"`
	Error  *JobError `json:"error,omitempty"`
}
