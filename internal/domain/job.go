package domain

import "time"

// Job is the aggregate root for one review of a changelist at a specific
// review version.
//
// Dispatch creates jobs with a caller-supplied idempotency key; workers
// advance them as the staged pipeline (fetch, llm, notify) makes progress.
// succeeded and failed are terminal. A succeeded job is never mutated again
// and can only be superseded by a new job with a strictly greater review
// version for the same changelist.
type Job struct {
	ID             string
	IdempotencyKey string
	ChangelistID   int64
	ReviewVersion  int
	Recipients     []string
	Status         JobStatus
	ResultRef      *string // payload store key of the validated result

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStatus represents the lifecycle state of a job.
// Value object - immutable string enum.
type JobStatus string

const (
	JobStatusPending         JobStatus = "pending"
	JobStatusInProgress      JobStatus = "in_progress"
	JobStatusSucceeded       JobStatus = "succeeded"
	JobStatusRetryableFailed JobStatus = "retryable_failed" // backing off between attempts
	JobStatusFailed          JobStatus = "failed"           // dead-lettered, needs operator action
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}
