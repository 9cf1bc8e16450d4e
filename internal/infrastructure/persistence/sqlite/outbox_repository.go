package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// Implements worker.OutboxStore and worker.ReconcilerStore.

// ListOutbox returns every outbox row for the job in stable recipient order.
func (s *Store) ListOutbox(ctx context.Context, jobID string) ([]domain.OutboxEntry, error) {
	return s.listOutboxEntries(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE job_id = ?
		ORDER BY recipient ASC, id ASC`, jobID)
}

// RecordOutboxAttempt increments attempt_count and overwrites last_error.
func (s *Store) RecordOutboxAttempt(ctx context.Context, entryID, lastError string) error {
	n, err := execAffected(ctx, s.db, `
		UPDATE outbox
		SET attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, lastError, toMillis(time.Now().UTC()), entryID)
	if err != nil {
		return fmt.Errorf("failed to record outbox attempt: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: outbox row %s", domain.ErrNotFound, entryID)
	}
	return nil
}

// MarkOutboxSent records the provider acknowledgment. The guard on
// notified_at keeps the first acknowledgment; marking an already-sent row is
// a no-op.
func (s *Store) MarkOutboxSent(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'sent', notification_id = ?, notified_at = ?,
		    last_error = NULL, updated_at = ?
		WHERE id = ? AND notified_at IS NULL`,
		notificationID, toMillis(notifiedAt), toMillis(time.Now().UTC()), entryID); err != nil {
		return fmt.Errorf("failed to mark outbox row sent: %w", err)
	}
	return nil
}

// MarkOutboxFailedPermanent parks an undeliverable row for operator triage.
// A row that was acknowledged concurrently stays sent.
func (s *Store) MarkOutboxFailedPermanent(ctx context.Context, entryID, lastError string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'failed_permanent', last_error = ?, updated_at = ?
		WHERE id = ? AND notified_at IS NULL`,
		lastError, toMillis(time.Now().UTC()), entryID); err != nil {
		return fmt.Errorf("failed to mark outbox row failed: %w", err)
	}
	return nil
}

// ListAmbiguousOutbox returns unnotified rows whose send outcome is unknown.
// The predicate mirrors outbox_ambiguous_idx.
func (s *Store) ListAmbiguousOutbox(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.OutboxEntry, error) {
	return s.listOutboxEntries(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE notified_at IS NULL
		  AND (notification_id IS NOT NULL OR last_error = 'send_attempted')
		  AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, toMillis(updatedBefore), limit)
}

// ClearOutboxAmbiguity resets the send markers on an unnotified row after
// the provider confirmed the token was never delivered.
func (s *Store) ClearOutboxAmbiguity(ctx context.Context, entryID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET notification_id = NULL, last_error = NULL, updated_at = ?
		WHERE id = ? AND notified_at IS NULL`,
		toMillis(time.Now().UTC()), entryID); err != nil {
		return fmt.Errorf("failed to clear outbox ambiguity: %w", err)
	}
	return nil
}

// ListSentSince returns rows marked sent at or after the given time.
func (s *Store) ListSentSince(ctx context.Context, notifiedAfter time.Time, limit int) ([]domain.OutboxEntry, error) {
	return s.listOutboxEntries(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE notified_at >= ?
		ORDER BY notified_at ASC
		LIMIT ?`, toMillis(notifiedAfter), limit)
}

// FlagContractViolation records an audit event for a row marked sent that
// the provider cannot confirm. The row is left for an operator to judge.
func (s *Store) FlagContractViolation(ctx context.Context, entry *domain.OutboxEntry) error {
	event, err := buildAudit(domain.AuditOutboxViolation, "reconciler")
	if err != nil {
		return err
	}
	event.JobID = &entry.JobID
	return writeAudit(ctx, s.db, event, map[string]any{
		"outbox_id":       entry.ID,
		"recipient":       entry.Recipient,
		"changelist_id":   entry.ChangelistID,
		"review_version":  entry.ReviewVersion,
		"notification_id": entry.NotificationID,
	})
}

func (s *Store) listOutboxEntries(ctx context.Context, query string, args ...any) ([]domain.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox rows: %w", err)
	}
	defer rows.Close()

	var entries []domain.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list outbox rows: %w", err)
	}
	return entries, nil
}
