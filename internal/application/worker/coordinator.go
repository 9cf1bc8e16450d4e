package worker

import (
	"context"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// Coordinator is the store contract the review workers run against.
// All methods are safe for concurrent use by multiple workers, on this host
// or others; the store is the only coordination medium.
//
// Ownership discipline: every mutation of a claimed work item is guarded in
// SQL by (id, claimed_by, status='running'). Zero rows affected surfaces as
// domain.ErrWorkOwnershipLost, which callers treat as a cancellation signal,
// never as a failure to report.
type Coordinator interface {
	// === Queue ===

	// Enqueue inserts a queued work item. The caller assigns the id.
	Enqueue(ctx context.Context, item *domain.WorkItem) error

	// ClaimNextWorkItem atomically claims the next eligible queued item:
	// run_at <= now(), ordered by priority DESC, created_at ASC. The claim
	// sets claimed_by, lease_expires_at = now() + lease, increments
	// attempt_count, and moves the item's job to in_progress.
	// Returns nil when nothing is eligible.
	ClaimNextWorkItem(ctx context.Context, workerID string, lease time.Duration) (*domain.WorkItem, error)

	// ExtendLease renews the lease on a running item (heartbeat).
	ExtendLease(ctx context.Context, workID, workerID string, lease time.Duration) error

	// CompleteWorkItem marks a running item completed and, when next is
	// non-nil, enqueues the next stage in the same transaction so a crash
	// cannot strand the job between stages.
	CompleteWorkItem(ctx context.Context, workID, workerID string, next *domain.WorkItem) error

	// RequeueForRetry returns a running item to queued with the computed
	// run_at, records the error class, and moves the job to
	// retryable_failed until the next claim.
	RequeueForRetry(ctx context.Context, workID, workerID string, class domain.ErrorClass, runAt time.Time) error

	// RequeueExpiredLeases moves running items whose lease has expired back
	// to queued, clearing ownership. Idempotent and safe to run concurrently
	// with claims. Returns the number of items requeued and writes a
	// work_queue_sweep audit event when that number is non-zero.
	RequeueExpiredLeases(ctx context.Context, limit int) (int, error)

	// === Jobs ===

	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// SetJobResultRef records the payload store key of the validated result.
	SetJobResultRef(ctx context.Context, jobID, resultRef string) error

	// FinalizeNotify completes the notify item and transitions its job to
	// succeeded in one transaction. The job transition is gated on every
	// outbox row for the job's (changelist_id, review_version) having
	// notified_at set; domain.ErrOutboxIncomplete rolls everything back.
	// Dead letters left in replaying for the job are resolved here.
	FinalizeNotify(ctx context.Context, workID, workerID, jobID string) error

	// === Outbox ===

	// MaterializeOutbox inserts one pending row per recipient with
	// ON CONFLICT DO NOTHING semantics on (changelist_id, recipient,
	// review_version). Safe to call on every notify attempt.
	MaterializeOutbox(ctx context.Context, jobID string, changelistID int64, reviewVersion int, recipients []string) error

	// === Dead letters ===

	// MoveToDeadLetter atomically fails the work item, inserts the dead
	// letter, moves the job to failed, and writes a dead_letter_created
	// audit event.
	MoveToDeadLetter(ctx context.Context, workID, workerID string, dl *domain.DeadLetter) error

	// RecordReplayFailure is MoveToDeadLetter for items that came from a
	// replay: the existing dead letter (dl.ID) is updated in place with the
	// new failure, moving to reopened when escalate is set, back to open
	// otherwise.
	RecordReplayFailure(ctx context.Context, workID, workerID string, dl *domain.DeadLetter, escalate bool) error

	GetDeadLetter(ctx context.Context, dlID string) (*domain.DeadLetter, error)
}

// Config configures one ReviewWorker instance.
type Config struct {
	// WorkerID uniquely identifies this worker for lease ownership
	// (e.g. hostname-pid-uuid).
	WorkerID string

	// Lease is how long a claim remains exclusive without a heartbeat.
	Lease time.Duration

	// HeartbeatInterval is the lease renewal cadence. Keep it at a third to
	// a half of Lease so a single missed beat does not forfeit the claim.
	HeartbeatInterval time.Duration

	// PollInterval is the sleep between claims when the queue is empty.
	PollInterval time.Duration

	// Per-stage deadlines for external calls.
	FetchTimeout  time.Duration
	ModelTimeout  time.Duration
	NotifyTimeout time.Duration

	Retry RetryPolicy
}

// DefaultConfig returns production defaults for a worker id.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:          workerID,
		Lease:             5 * time.Minute,
		HeartbeatInterval: 100 * time.Second,
		PollInterval:      time.Second,
		FetchTimeout:      30 * time.Second,
		ModelTimeout:      2 * time.Minute,
		NotifyTimeout:     15 * time.Second,
		Retry:             DefaultRetryPolicy(),
	}
}
