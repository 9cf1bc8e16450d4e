package domain

import "errors"

// Domain errors returned by store implementations and services.

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrWorkOwnershipLost indicates an owner-guarded queue update matched
	// zero rows: the lease expired or another worker took over. Callers treat
	// this as a cancellation signal, not a failure.
	ErrWorkOwnershipLost = errors.New("work item ownership lost")

	// ErrJobTerminal indicates an attempt to advance a job that is already
	// succeeded or failed.
	ErrJobTerminal = errors.New("job already in terminal status")

	// ErrOutboxIncomplete blocks finalizing a job to succeeded while any
	// outbox row for its review version lacks notified_at.
	ErrOutboxIncomplete = errors.New("outbox delivery incomplete")

	// ErrEvidenceRequired blocks dead letter replay without a remediation
	// evidence reference.
	ErrEvidenceRequired = errors.New("remediation evidence required")

	// ErrInvalidTransition indicates a status change outside the state
	// machine, such as replaying a resolved dead letter.
	ErrInvalidTransition = errors.New("invalid status transition")
)
