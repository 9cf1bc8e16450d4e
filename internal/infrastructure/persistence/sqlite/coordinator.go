package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// Implements worker.Coordinator.

// === Queue ===

// Enqueue inserts a queued work item.
func (s *Store) Enqueue(ctx context.Context, item *domain.WorkItem) error {
	return insertWorkItem(ctx, s.db, item)
}

// ClaimNextWorkItem claims the next eligible queued item. The immediate
// transaction holds the database write lock for the whole select-then-update,
// so two claimers can never pick the same row. Returns nil when nothing is
// eligible.
func (s *Store) ClaimNextWorkItem(ctx context.Context, workerID string, lease time.Duration) (*domain.WorkItem, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM work_queue
		WHERE status = 'queued' AND run_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, toMillis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // nothing eligible
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable work item: %w", err)
	}

	n, err := execAffected(ctx, tx, `
		UPDATE work_queue
		SET status = 'running', claimed_by = ?, lease_expires_at = ?,
		    attempt_count = attempt_count + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`,
		workerID, toMillis(now.Add(lease)), toMillis(now), toMillis(now), id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}
	if n == 0 {
		return nil, nil // raced by another process, try again next poll
	}

	item, err := scanWorkItem(tx.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_queue WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed work item: %w", err)
	}

	// A terminal job cannot be revived; its leftover items run out their
	// lifecycle and report through the dead letter path.
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'in_progress', updated_at = ?
		WHERE id = ? AND status NOT IN ('succeeded', 'failed')`,
		toMillis(now), item.JobID); err != nil {
		return nil, fmt.Errorf("failed to move job to in_progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return item, nil
}

// ExtendLease renews the lease on a running item the worker still owns.
func (s *Store) ExtendLease(ctx context.Context, workID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	n, err := execAffected(ctx, s.db, `
		UPDATE work_queue SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = 'running'`,
		toMillis(now.Add(lease)), toMillis(now), workID, workerID)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: work item %s", domain.ErrWorkOwnershipLost, workID)
	}
	return nil
}

// CompleteWorkItem marks a running item completed and enqueues the next
// stage in the same transaction.
func (s *Store) CompleteWorkItem(ctx context.Context, workID, workerID string, next *domain.WorkItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := completeWorkItemTx(ctx, tx, workID, workerID); err != nil {
		return err
	}
	if next != nil {
		if err := insertWorkItem(ctx, tx, next); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RequeueForRetry returns a running item to queued for its next attempt.
func (s *Store) RequeueForRetry(ctx context.Context, workID, workerID string, class domain.ErrorClass, runAt time.Time) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID string
	err = tx.QueryRowContext(ctx, `
		UPDATE work_queue
		SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL,
		    run_at = ?, last_error_class = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = 'running'
		RETURNING job_id`,
		toMillis(runAt), string(class), toMillis(now), workID, workerID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: work item %s", domain.ErrWorkOwnershipLost, workID)
	}
	if err != nil {
		return fmt.Errorf("failed to requeue work item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'retryable_failed', updated_at = ?
		WHERE id = ? AND status NOT IN ('succeeded', 'failed')`,
		toMillis(now), jobID); err != nil {
		return fmt.Errorf("failed to move job to retryable_failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RequeueExpiredLeases returns running items with expired leases to queued.
func (s *Store) RequeueExpiredLeases(ctx context.Context, limit int) (int, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE work_queue
		SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id IN (
			SELECT id FROM work_queue
			WHERE status = 'running' AND lease_expires_at < ?
			ORDER BY lease_expires_at ASC
			LIMIT ?
		)
		RETURNING id`, toMillis(now), toMillis(now), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired leases: %w", err)
	}
	swept, err := collectIDs(rows)
	if err != nil {
		return 0, fmt.Errorf("failed to collect swept work ids: %w", err)
	}
	if len(swept) == 0 {
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return 0, nil
	}

	event, err := buildAudit(domain.AuditWorkQueueSweep, "sweeper")
	if err != nil {
		return 0, err
	}
	if err := writeAudit(ctx, tx, event, map[string]any{
		"requeued": len(swept),
		"work_ids": swept,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(swept), nil
}

// === Jobs ===

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		return nil, mapNotFound(err, "job", jobID)
	}
	return job, nil
}

// SetJobResultRef records the payload store key of the validated result.
func (s *Store) SetJobResultRef(ctx context.Context, jobID, resultRef string) error {
	n, err := execAffected(ctx, s.db, `
		UPDATE jobs SET result_ref = ?, updated_at = ? WHERE id = ?`,
		resultRef, toMillis(time.Now().UTC()), jobID)
	if err != nil {
		return fmt.Errorf("failed to set job result ref: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return nil
}

// FinalizeNotify completes the notify item and transitions its job to
// succeeded, gated on every outbox row being notified. Dead letters the job
// was replaying are resolved in the same transaction.
func (s *Store) FinalizeNotify(ctx context.Context, workID, workerID, jobID string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := completeWorkItemTx(ctx, tx, workID, workerID); err != nil {
		return err
	}

	var incomplete bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM outbox o
			JOIN jobs j ON j.id = ?
			WHERE o.changelist_id = j.changelist_id
			  AND o.review_version = j.review_version
			  AND o.notified_at IS NULL
		)`, jobID).Scan(&incomplete)
	if err != nil {
		return fmt.Errorf("failed to check outbox completeness: %w", err)
	}
	if incomplete {
		return fmt.Errorf("%w: job %s", domain.ErrOutboxIncomplete, jobID)
	}

	n, err := execAffected(ctx, tx, `
		UPDATE jobs SET status = 'succeeded', updated_at = ?
		WHERE id = ? AND status NOT IN ('succeeded', 'failed')`,
		toMillis(now), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", domain.ErrJobTerminal, jobID)
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE dead_letters SET status = 'resolved', updated_at = ?
		WHERE job_id = ? AND status = 'replaying'
		RETURNING id`, toMillis(now), jobID)
	if err != nil {
		return fmt.Errorf("failed to resolve replaying dead letters: %w", err)
	}
	resolved, err := collectIDs(rows)
	if err != nil {
		return fmt.Errorf("failed to collect resolved dead letter ids: %w", err)
	}
	for _, dlID := range resolved {
		event, err := buildAudit(domain.AuditReplayResolved, workerID)
		if err != nil {
			return err
		}
		event.JobID = &jobID
		event.WorkID = &workID
		event.DeadLetterID = &dlID
		if err := writeAudit(ctx, tx, event, nil); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// === Outbox ===

// MaterializeOutbox inserts one pending row per recipient. Conflicts on
// (changelist_id, recipient, review_version) are ignored, so retried notify
// attempts never disturb rows that already made progress.
func (s *Store) MaterializeOutbox(ctx context.Context, jobID string, changelistID int64, reviewVersion int, recipients []string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, recipient := range recipients {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate outbox id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (id, job_id, changelist_id, recipient, review_version, status, attempt_count, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)
			ON CONFLICT (changelist_id, recipient, review_version) DO NOTHING`,
			id.String(), jobID, changelistID, recipient, reviewVersion, toMillis(now)); err != nil {
			return fmt.Errorf("failed to materialize outbox row for %s: %w", recipient, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// === Dead letters ===

// MoveToDeadLetter fails the work item, inserts the dead letter, and moves
// the job to failed in one transaction.
func (s *Store) MoveToDeadLetter(ctx context.Context, workID, workerID string, dl *domain.DeadLetter) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := failWorkItemTx(ctx, tx, workID, workerID, dl.ErrorClass); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, job_id, work_id, stage, error_class,
			last_stack, sanitized_context, first_failure_at, last_failure_at,
			attempt_count, status, replay_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		dl.ID, dl.JobID, dl.WorkID, string(dl.Stage), string(dl.ErrorClass),
		dl.LastStack, dl.SanitizedContext, toMillis(dl.FirstFailureAt),
		toMillis(dl.LastFailureAt), dl.AttemptCount, string(dl.Status),
		toMillis(now), toMillis(now)); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	if err := failJobTx(ctx, tx, dl.JobID); err != nil {
		return err
	}

	event, err := buildAudit(domain.AuditDeadLetterCreated, workerID)
	if err != nil {
		return err
	}
	event.JobID = &dl.JobID
	event.WorkID = &workID
	event.DeadLetterID = &dl.ID
	if err := writeAudit(ctx, tx, event, map[string]any{
		"stage":         string(dl.Stage),
		"error_class":   string(dl.ErrorClass),
		"attempt_count": dl.AttemptCount,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordReplayFailure folds a failed replay back into its original dead
// letter: reopened when the failure repeats the original non-retryable
// class, open otherwise.
func (s *Store) RecordReplayFailure(ctx context.Context, workID, workerID string, dl *domain.DeadLetter, escalate bool) error {
	newStatus := domain.DeadLetterStatusOpen
	kind := domain.AuditReplayFailed
	if escalate {
		newStatus = domain.DeadLetterStatusReopened
		kind = domain.AuditReplayEscalated
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := failWorkItemTx(ctx, tx, workID, workerID, dl.ErrorClass); err != nil {
		return err
	}

	n, err := execAffected(ctx, tx, `
		UPDATE dead_letters
		SET status = ?, error_class = ?, last_stack = ?,
		    sanitized_context = ?, last_failure_at = ?, attempt_count = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'replaying'`,
		string(newStatus), string(dl.ErrorClass), dl.LastStack,
		dl.SanitizedContext, toMillis(dl.LastFailureAt), dl.AttemptCount,
		toMillis(now), dl.ID)
	if err != nil {
		return fmt.Errorf("failed to record replay failure: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: dead letter %s is not replaying", domain.ErrInvalidTransition, dl.ID)
	}

	if err := failJobTx(ctx, tx, dl.JobID); err != nil {
		return err
	}

	event, err := buildAudit(kind, workerID)
	if err != nil {
		return err
	}
	event.JobID = &dl.JobID
	event.WorkID = &workID
	event.DeadLetterID = &dl.ID
	if err := writeAudit(ctx, tx, event, map[string]any{
		"error_class": string(dl.ErrorClass),
		"escalated":   escalate,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetDeadLetter returns a dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, dlID string) (*domain.DeadLetter, error) {
	dl, err := scanDeadLetter(s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, dlID))
	if err != nil {
		return nil, mapNotFound(err, "dead letter", dlID)
	}
	return dl, nil
}

// completeWorkItemTx marks a running item completed under the ownership
// guard.
func completeWorkItemTx(ctx context.Context, tx *sql.Tx, workID, workerID string) error {
	n, err := execAffected(ctx, tx, `
		UPDATE work_queue
		SET status = 'completed', claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = 'running'`,
		toMillis(time.Now().UTC()), workID, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete work item: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: work item %s", domain.ErrWorkOwnershipLost, workID)
	}
	return nil
}

// failWorkItemTx marks a running item failed under the ownership guard.
func failWorkItemTx(ctx context.Context, tx *sql.Tx, workID, workerID string, class domain.ErrorClass) error {
	n, err := execAffected(ctx, tx, `
		UPDATE work_queue
		SET status = 'failed', claimed_by = NULL, lease_expires_at = NULL,
		    last_error_class = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = 'running'`,
		string(class), toMillis(time.Now().UTC()), workID, workerID)
	if err != nil {
		return fmt.Errorf("failed to fail work item: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: work item %s", domain.ErrWorkOwnershipLost, workID)
	}
	return nil
}

// failJobTx moves a job to failed unless it already reached a terminal
// status.
func failJobTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', updated_at = ?
		WHERE id = ? AND status NOT IN ('succeeded', 'failed')`,
		toMillis(time.Now().UTC()), jobID); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// collectIDs drains a single-column id result set.
func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
