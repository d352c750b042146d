package models

import (
	"time"
)

// JobState enumerates parse job lifecycle states kept in the queue.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ErrorKind classifies why a job failed so the cause survives the trip through the queue.
type ErrorKind string

const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindUnsupportedSite  ErrorKind = "unsupported_site"
	ErrorKindExtractionFailed ErrorKind = "extraction_failed"
	ErrorKindFetchFailed      ErrorKind = "fetch_failed"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindCancelled        ErrorKind = "cancelled"
	ErrorKindInternal         ErrorKind = "internal"
)

// Progress checkpoints reported by workers.
const (
	ProgressAccepted = 10
	ProgressDone     = 100
)

// ParseJob is a unit of work submitted to the parse queue. It is owned by the
// queue until it reaches a terminal state.
type ParseJob struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	UserID      string    `json:"user_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	// Priority follows "lower value is more urgent".
	Priority    int           `json:"priority"`
	MaxAttempts int           `json:"max_attempts"`
	Attempts    int           `json:"attempts"`
	Timeout     time.Duration `json:"timeout"`
}

// JobResult is the outcome record of a parse job.
// Success implies Data != nil; failure implies Error != "".
type JobResult struct {
	Success    bool           `json:"success"`
	Data       *ParsedProduct `json:"data,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// JobStatus is a point-in-time snapshot of a job as seen by consumers.
type JobStatus struct {
	JobID    string     `json:"job_id"`
	State    JobState   `json:"state"`
	Progress int        `json:"progress"`
	Attempts int        `json:"attempts"`
	Result   *JobResult `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// QueueStats counts jobs per state.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
