package domain

import "time"

// DeadLetter is the durable record of a terminal pipeline failure.
//
// Dead letters are created when:
//  1. A stage exhausts its retry budget (retryable classes)
//  2. A stage fails with a non-retryable class
//  3. A stage handler panics
//
// They are never deleted. Operators either resolve them or replay them with
// remediation evidence; a replay that fails the same non-retryable way is
// reopened and escalated.
type DeadLetter struct {
	ID         string
	JobID      string
	WorkID     string // the failed work item; replay reuses its payload
	Stage      Stage
	ErrorClass ErrorClass

	LastStack        *string // redacted
	SanitizedContext []byte  // JSON: stage, attempts, upstream status, payload hash; never secrets

	FirstFailureAt time.Time
	LastFailureAt  time.Time
	AttemptCount   int

	Status                 DeadLetterStatus
	RemediationEvidenceRef *string // payload store key; required before replay
	ReplayCount            int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeadLetterStatus represents the triage state of a dead letter.
// Value object - immutable string enum.
type DeadLetterStatus string

const (
	DeadLetterStatusOpen      DeadLetterStatus = "open"
	DeadLetterStatusReplaying DeadLetterStatus = "replaying"
	DeadLetterStatusResolved  DeadLetterStatus = "resolved"
	DeadLetterStatusReopened  DeadLetterStatus = "reopened" // replay failed the same way
)

// RestartMode selects where a replayed job re-enters the pipeline.
type RestartMode string

const (
	RestartModeResume      RestartMode = "resume_at_failed_stage"
	RestartModeFullRestart RestartMode = "full_restart"
)

// Valid reports whether m is a supported restart mode.
func (m RestartMode) Valid() bool {
	return m == RestartModeResume || m == RestartModeFullRestart
}

// DeadLetterFilter narrows ListDeadLetters. Zero values mean "any".
// Triage is indexed by (error_class, stage).
type DeadLetterFilter struct {
	JobID      string
	Stage      Stage
	ErrorClass ErrorClass
	Status     DeadLetterStatus
	Limit      int
}
