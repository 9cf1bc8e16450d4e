package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// Implements worker.Coordinator.

// === Queue ===

// Enqueue inserts a queued work item.
func (s *Store) Enqueue(ctx context.Context, item *domain.WorkItem) error {
	return insertWorkItem(ctx, s.pool, item)
}

// ClaimNextWorkItem claims the next eligible queued item using
// FOR UPDATE SKIP LOCKED, so concurrent workers never block each other and
// never claim the same row. Returns nil when nothing is eligible.
func (s *Store) ClaimNextWorkItem(ctx context.Context, workerID string, lease time.Duration) (*domain.WorkItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM work_queue
		WHERE status = 'queued' AND run_at <= now()
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // nothing eligible
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable work item: %w", err)
	}

	item, err := scanWorkItem(tx.QueryRow(ctx, `
		UPDATE work_queue
		SET status = 'running',
		    claimed_by = $2,
		    lease_expires_at = now() + make_interval(secs => $3),
		    attempt_count = attempt_count + 1,
		    started_at = now(),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+workItemColumns,
		id, workerID, lease.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}

	// A terminal job cannot be revived; its leftover items run out their
	// lifecycle and report through the dead letter path.
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'in_progress', updated_at = now()
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed')`,
		item.JobID); err != nil {
		return nil, fmt.Errorf("failed to move job to in_progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return item, nil
}

// ExtendLease renews the lease on a running item the worker still owns.
func (s *Store) ExtendLease(ctx context.Context, workID, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_queue
		SET lease_expires_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'`,
		workID, workerID, lease.Seconds())
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: work item %s", domain.ErrWorkOwnershipLost, workID)
	}
	return nil
}

// CompleteWorkItem marks a running item completed and enqueues the next
// stage in the same transaction.
func (s *Store) CompleteWorkItem(ctx context.Context, workID, workerID string, next *domain.WorkItem) error {
	return s.withTx(ctx, "complete_work_item", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE work_queue
			SET status = 'completed', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
			WHERE id = $1 AND claimed_by = $2 AND status = 'running'`,
			workID, workerID)
		if err != nil {
			return fmt.Errorf("failed to complete work item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: work item %s", domain.ErrWorkOwnershipLost, workID)
		}

		if next != nil {
			return insertWorkItem(ctx, tx, next)
		}
		return nil
	})
}

// RequeueForRetry returns a running item to queued for its next attempt.
func (s *Store) RequeueForRetry(ctx context.Context, workID, workerID string, class domain.ErrorClass, runAt time.Time) error {
	return s.withTx(ctx, "requeue_for_retry", func(tx pgx.Tx) error {
		var jobID string
		err := tx.QueryRow(ctx, `
			UPDATE work_queue
			SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL,
			    run_at = $3, last_error_class = $4, updated_at = now()
			WHERE id = $1 AND claimed_by = $2 AND status = 'running'
			RETURNING job_id`,
			workID, workerID, runAt.UTC(), string(class)).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: work item %s", domain.ErrWorkOwnershipLost, workID)
		}
		if err != nil {
			return fmt.Errorf("failed to requeue work item: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'retryable_failed', updated_at = now()
			WHERE id = $1 AND status NOT IN ('succeeded', 'failed')`,
			jobID); err != nil {
			return fmt.Errorf("failed to move job to retryable_failed: %w", err)
		}
		return nil
	})
}

// RequeueExpiredLeases returns running items with expired leases to queued.
// SKIP LOCKED keeps concurrent sweepers and claimers out of each other's
// way; an item actively being claimed is simply skipped this round.
func (s *Store) RequeueExpiredLeases(ctx context.Context, limit int) (int, error) {
	var swept []string
	err := s.withTx(ctx, "requeue_expired_leases", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH expired AS (
				SELECT id FROM work_queue
				WHERE status = 'running' AND lease_expires_at < now()
				ORDER BY lease_expires_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE work_queue w
			SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
			FROM expired
			WHERE w.id = expired.id
			RETURNING w.id`, limit)
		if err != nil {
			return fmt.Errorf("failed to requeue expired leases: %w", err)
		}
		swept, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to collect swept work ids: %w", err)
		}
		if len(swept) == 0 {
			return nil
		}

		event, err := buildAudit(domain.AuditWorkQueueSweep, "sweeper")
		if err != nil {
			return err
		}
		return writeAudit(ctx, tx, event, map[string]any{
			"requeued": len(swept),
			"work_ids": swept,
		})
	})
	if err != nil {
		return 0, err
	}
	return len(swept), nil
}

// === Jobs ===

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		return nil, mapNotFound(err, "job", jobID)
	}
	return job, nil
}

// SetJobResultRef records the payload store key of the validated result.
func (s *Store) SetJobResultRef(ctx context.Context, jobID, resultRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET result_ref = $2, updated_at = now() WHERE id = $1`,
		jobID, resultRef)
	if err != nil {
		return fmt.Errorf("failed to set job result ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return nil
}

// FinalizeNotify completes the notify item and transitions its job to
// succeeded, gated on every outbox row being notified. Dead letters the job
// was replaying are resolved in the same transaction.
func (s *Store) FinalizeNotify(ctx context.Context, workID, workerID, jobID string) error {
	return s.withTx(ctx, "finalize_notify", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE work_queue
			SET status = 'completed', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
			WHERE id = $1 AND claimed_by = $2 AND status = 'running'`,
			workID, workerID)
		if err != nil {
			return fmt.Errorf("failed to complete notify item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: work item %s", domain.ErrWorkOwnershipLost, workID)
		}

		var incomplete bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM outbox o
				JOIN jobs j ON j.id = $1
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

		tag, err = tx.Exec(ctx, `
			UPDATE jobs SET status = 'succeeded', updated_at = now()
			WHERE id = $1 AND status NOT IN ('succeeded', 'failed')`,
			jobID)
		if err != nil {
			return fmt.Errorf("failed to mark job succeeded: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: job %s", domain.ErrJobTerminal, jobID)
		}

		rows, err := tx.Query(ctx, `
			UPDATE dead_letters SET status = 'resolved', updated_at = now()
			WHERE job_id = $1 AND status = 'replaying'
			RETURNING id`, jobID)
		if err != nil {
			return fmt.Errorf("failed to resolve replaying dead letters: %w", err)
		}
		resolved, err := pgx.CollectRows(rows, pgx.RowTo[string])
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
		return nil
	})
}

// === Outbox ===

// MaterializeOutbox inserts one pending row per recipient. Conflicts on
// (changelist_id, recipient, review_version) are ignored, so retried notify
// attempts never disturb rows that already made progress.
func (s *Store) MaterializeOutbox(ctx context.Context, jobID string, changelistID int64, reviewVersion int, recipients []string) error {
	return s.withTx(ctx, "materialize_outbox", func(tx pgx.Tx) error {
		for _, recipient := range recipients {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate outbox id: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO outbox (id, job_id, changelist_id, recipient, review_version, status, attempt_count, updated_at)
				VALUES ($1, $2, $3, $4, $5, 'pending', 0, now())
				ON CONFLICT (changelist_id, recipient, review_version) DO NOTHING`,
				id.String(), jobID, changelistID, recipient, reviewVersion); err != nil {
				return fmt.Errorf("failed to materialize outbox row for %s: %w", recipient, err)
			}
		}
		return nil
	})
}

// === Dead letters ===

// MoveToDeadLetter fails the work item, inserts the dead letter, and moves
// the job to failed in one transaction.
func (s *Store) MoveToDeadLetter(ctx context.Context, workID, workerID string, dl *domain.DeadLetter) error {
	return s.withTx(ctx, "move_to_dead_letter", func(tx pgx.Tx) error {
		if err := failWorkItemTx(ctx, tx, workID, workerID, dl.ErrorClass); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO dead_letters (id, job_id, work_id, stage, error_class,
				last_stack, sanitized_context, first_failure_at, last_failure_at,
				attempt_count, status, replay_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, now(), now())`,
			dl.ID, dl.JobID, dl.WorkID, string(dl.Stage), string(dl.ErrorClass),
			dl.LastStack, dl.SanitizedContext, dl.FirstFailureAt, dl.LastFailureAt,
			dl.AttemptCount, string(dl.Status)); err != nil {
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
		return writeAudit(ctx, tx, event, map[string]any{
			"stage":         string(dl.Stage),
			"error_class":   string(dl.ErrorClass),
			"attempt_count": dl.AttemptCount,
		})
	})
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

	return s.withTx(ctx, "record_replay_failure", func(tx pgx.Tx) error {
		if err := failWorkItemTx(ctx, tx, workID, workerID, dl.ErrorClass); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE dead_letters
			SET status = $2, error_class = $3, last_stack = $4,
			    sanitized_context = $5, last_failure_at = $6, attempt_count = $7,
			    updated_at = now()
			WHERE id = $1 AND status = 'replaying'`,
			dl.ID, string(newStatus), string(dl.ErrorClass), dl.LastStack,
			dl.SanitizedContext, dl.LastFailureAt, dl.AttemptCount)
		if err != nil {
			return fmt.Errorf("failed to record replay failure: %w", err)
		}
		if tag.RowsAffected() == 0 {
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
		return writeAudit(ctx, tx, event, map[string]any{
			"error_class": string(dl.ErrorClass),
			"escalated":   escalate,
		})
	})
}

// GetDeadLetter returns a dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, dlID string) (*domain.DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, dlID))
	if err != nil {
		return nil, mapNotFound(err, "dead letter", dlID)
	}
	return dl, nil
}

// failWorkItemTx marks a running item failed under the ownership guard.
func failWorkItemTx(ctx context.Context, tx pgx.Tx, workID, workerID string, class domain.ErrorClass) error {
	tag, err := tx.Exec(ctx, `
		UPDATE work_queue
		SET status = 'failed', claimed_by = NULL, lease_expires_at = NULL,
		    last_error_class = $3, updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'`,
		workID, workerID, string(class))
	if err != nil {
		return fmt.Errorf("failed to fail work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: work item %s", domain.ErrWorkOwnershipLost, workID)
	}
	return nil
}

// failJobTx moves a job to failed unless it already reached a terminal
// status.
func failJobTx(ctx context.Context, tx pgx.Tx, jobID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'failed', updated_at = now()
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed')`,
		jobID); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}
