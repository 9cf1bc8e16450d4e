package dispatch

import (
	"context"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// Repository defines the storage operations the dispatch service needs.
// Multi-row operations are transactional; the audit events they describe are
// written inside the same transaction as the rows they describe.
type Repository interface {
	// === Jobs ===

	// InsertJob inserts the job and enqueues its first work item in one
	// transaction, writing a job_created audit event. When the idempotency
	// key already holds a job, nothing is written and that job is returned
	// with created=false.
	InsertJob(ctx context.Context, job *domain.Job, work *domain.WorkItem) (*domain.Job, bool, error)

	// GetJob returns a job by id, or domain.ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// GetJobByIdempotencyKey returns the job holding the key, or
	// domain.ErrNotFound.
	GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)

	// LatestSucceededJob returns the succeeded job with the highest review
	// version for the changelist, or domain.ErrNotFound when none exists.
	LatestSucceededJob(ctx context.Context, changelistID int64) (*domain.Job, error)

	// FinalizeJob transitions a job to a terminal status.
	// domain.ErrJobTerminal when the job is already terminal;
	// domain.ErrOutboxIncomplete when transitioning to succeeded while any
	// outbox row for the job's (changelist_id, review_version) lacks
	// notified_at.
	FinalizeJob(ctx context.Context, jobID string, status domain.JobStatus) error

	// === Work items ===

	// GetWorkItem returns a work item by id, or domain.ErrNotFound.
	GetWorkItem(ctx context.Context, workID string) (*domain.WorkItem, error)

	// === Dead letters ===

	GetDeadLetter(ctx context.Context, dlID string) (*domain.DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter domain.DeadLetterFilter) ([]*domain.DeadLetter, error)

	// AttachEvidence records the remediation evidence ref on an unresolved
	// dead letter and writes an evidence_attached audit event.
	// domain.ErrInvalidTransition when the dead letter is resolved.
	AttachEvidence(ctx context.Context, dlID, evidenceRef string) error

	// StartReplay atomically: moves an open or reopened dead letter to
	// replaying and increments its replay count, records evidenceRef when
	// non-empty, returns the job to pending, enqueues the replay work item,
	// and writes a replay_started audit event.
	// domain.ErrInvalidTransition when the dead letter is not replayable.
	StartReplay(ctx context.Context, dlID, evidenceRef string, work *domain.WorkItem) error

	// ResolveDeadLetter closes a dead letter without replay, writing a
	// dead_letter_resolved audit event. domain.ErrInvalidTransition when it
	// is already resolved.
	ResolveDeadLetter(ctx context.Context, dlID, notes string) error

	// === Audit ===

	// RecordAudit appends a single audit event outside any transaction.
	// Used for decisions that mutate nothing else, such as blocked reruns.
	RecordAudit(ctx context.Context, event *domain.AuditEvent) error
}
