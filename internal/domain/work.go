package domain

import "time"

// Stage identifies one step of the review pipeline. Stages run in order
// fetch, llm, notify. Each stage is a separate queue row, so attempt budgets
// never bleed from one stage into another and completed stage output is
// preserved when a later stage retries.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageLLM    Stage = "llm"
	StageNotify Stage = "notify"
)

// Next returns the stage that follows s, or "" after the last one.
func (s Stage) Next() Stage {
	switch s {
	case StageFetch:
		return StageLLM
	case StageLLM:
		return StageNotify
	default:
		return ""
	}
}

// Valid reports whether s is one of the pipeline stages.
func (s Stage) Valid() bool {
	switch s {
	case StageFetch, StageLLM, StageNotify:
		return true
	default:
		return false
	}
}

// WorkItem is one leasable unit of queued work.
//
// Ownership discipline: ClaimedBy and LeaseExpiresAt are set exactly while
// Status is running. Every post-claim mutation is guarded in SQL by
// (id, claimed_by, status='running'); zero rows affected means the lease was
// lost and the caller must stop all side effects that require ownership.
type WorkItem struct {
	ID      string
	JobID   string
	Stage   Stage
	Payload []byte // opaque JSON, interpreted only by the stage handler
	Status  WorkStatus

	Priority int
	RunAt    time.Time // earliest eligible claim time

	ClaimedBy      *string
	LeaseExpiresAt *time.Time

	AttemptCount   int
	LastErrorClass *ErrorClass
	ReplayOf       *string // dead letter id when enqueued by operator replay

	CreatedAt time.Time
	StartedAt *time.Time
	UpdatedAt time.Time
}

// WorkStatus represents the queue state of a work item.
// Value object - immutable string enum.
type WorkStatus string

const (
	WorkStatusQueued    WorkStatus = "queued"
	WorkStatusRunning   WorkStatus = "running"
	WorkStatusCompleted WorkStatus = "completed"
	WorkStatusFailed    WorkStatus = "failed"
)
