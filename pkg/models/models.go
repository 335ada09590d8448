package models

import "time"

// JobState tracks a job through the queue lifecycle.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
	StateStalled   JobState = "stalled"
)

// Terminal reports whether a job in this state can never transition again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the durable record of one submission progressing through the queue.
// It lives in a redis hash for the broker's retention period.
type Job struct {
	ID       string   `json:"jobId"`
	Language string   `json:"language"`
	Code     string   `json:"code"`
	State    JobState `json:"state"`

	// Terminal results: Output on success, FailedReason on failure.
	Output       string `json:"output,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`

	// Attempts counts deliveries to a worker. The default deployment caps
	// this at 1 because user code is not idempotent.
	Attempts int `json:"attempts"`

	CreatedAt   time.Time `json:"createdAt"`
	ProcessedAt time.Time `json:"processedAt,omitempty"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
}

// Finished reports whether the job carries a terminal result.
func (j *Job) Finished() bool {
	return j.State.Terminal()
}
