package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/reviewpipe/reviewpipe/internal/domain"
	"github.com/reviewpipe/reviewpipe/internal/ptr"
)

// Column lists shared by every query that scans a full row. Keep the order
// in sync with the scan functions below.
const (
	jobColumns = `id, idempotency_key, changelist_id, review_version, recipients,
		status, result_ref, created_at, updated_at`

	workItemColumns = `id, job_id, stage, payload, status, priority, run_at,
		claimed_by, lease_expires_at, attempt_count, last_error_class, replay_of,
		created_at, started_at, updated_at`

	deadLetterColumns = `id, job_id, work_id, stage, error_class, last_stack,
		sanitized_context, first_failure_at, last_failure_at, attempt_count,
		status, remediation_evidence_ref, replay_count, created_at, updated_at`

	outboxColumns = `id, job_id, changelist_id, recipient, review_version,
		status, notification_id, notified_at, attempt_count, last_error, updated_at`
)

// Timestamps live in INTEGER columns as milliseconds since the Unix epoch.

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromMillisPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	return ptr.To(time.UnixMilli(*v).UTC())
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job                  domain.Job
		recipients           string
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&job.ID, &job.IdempotencyKey, &job.ChangelistID, &job.ReviewVersion,
		&recipients, &status, &job.ResultRef, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &job.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}
	job.Status = domain.JobStatus(status)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}

func scanWorkItem(row rowScanner) (*domain.WorkItem, error) {
	var (
		item                 domain.WorkItem
		stage, status        string
		lastClass            *string
		runAt                int64
		leaseExpiresAt       *int64
		startedAt            *int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&item.ID, &item.JobID, &stage, &item.Payload, &status, &item.Priority,
		&runAt, &item.ClaimedBy, &leaseExpiresAt, &item.AttemptCount,
		&lastClass, &item.ReplayOf, &createdAt, &startedAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	item.Stage = domain.Stage(stage)
	item.Status = domain.WorkStatus(status)
	item.LastErrorClass = ptr.Convert[domain.ErrorClass](lastClass)
	item.RunAt = fromMillis(runAt)
	item.LeaseExpiresAt = fromMillisPtr(leaseExpiresAt)
	item.StartedAt = fromMillisPtr(startedAt)
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	return &item, nil
}

func scanDeadLetter(row rowScanner) (*domain.DeadLetter, error) {
	var (
		dl                            domain.DeadLetter
		stage, class, status          string
		firstFailureAt, lastFailureAt int64
		createdAt, updatedAt          int64
	)
	if err := row.Scan(
		&dl.ID, &dl.JobID, &dl.WorkID, &stage, &class, &dl.LastStack,
		&dl.SanitizedContext, &firstFailureAt, &lastFailureAt,
		&dl.AttemptCount, &status, &dl.RemediationEvidenceRef, &dl.ReplayCount,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	dl.Stage = domain.Stage(stage)
	dl.ErrorClass = domain.ErrorClass(class)
	dl.Status = domain.DeadLetterStatus(status)
	dl.FirstFailureAt = fromMillis(firstFailureAt)
	dl.LastFailureAt = fromMillis(lastFailureAt)
	dl.CreatedAt = fromMillis(createdAt)
	dl.UpdatedAt = fromMillis(updatedAt)
	return &dl, nil
}

func scanOutboxEntry(row rowScanner) (*domain.OutboxEntry, error) {
	var (
		entry      domain.OutboxEntry
		status     string
		notifiedAt *int64
		updatedAt  int64
	)
	if err := row.Scan(
		&entry.ID, &entry.JobID, &entry.ChangelistID, &entry.Recipient,
		&entry.ReviewVersion, &status, &entry.NotificationID, &notifiedAt,
		&entry.AttemptCount, &entry.LastError, &updatedAt,
	); err != nil {
		return nil, err
	}
	entry.Status = domain.OutboxStatus(status)
	entry.NotifiedAt = fromMillisPtr(notifiedAt)
	entry.UpdatedAt = fromMillis(updatedAt)
	return &entry, nil
}

// nullableClass converts an optional error class for a nullable text column.
func nullableClass(c *domain.ErrorClass) *string {
	return ptr.Convert[string](c)
}

// mapNotFound converts sql.ErrNoRows into the domain not-found error.
func mapNotFound(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, entity, id)
	}
	return fmt.Errorf("failed to get %s: %w", entity, err)
}

// isUniqueViolation checks if an error is a SQLite unique constraint
// violation. SQLite reports the violated columns only in the error text, so
// the optional column filter matches against the message.
func isUniqueViolation(err error, column string) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE && se.Code() != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return false
	}
	return column == "" || strings.Contains(se.Error(), column)
}

// execAffected runs an exec and returns the number of rows it touched.
func execAffected(ctx context.Context, db dbtx, query string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// buildAudit creates an audit event shell; callers fill the references and
// hand it to writeAudit inside the transaction it describes.
func buildAudit(kind domain.AuditKind, actor string) (*domain.AuditEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate audit id: %w", err)
	}
	return &domain.AuditEvent{
		ID:         id.String(),
		OccurredAt: time.Now().UTC(),
		Kind:       kind,
		Actor:      actor,
	}, nil
}

func writeAudit(ctx context.Context, db dbtx, event *domain.AuditEvent, detail map[string]any) error {
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		event.Detail = raw
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO audit_events (id, occurred_at, kind, job_id, work_id, dead_letter_id, actor, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, toMillis(event.OccurredAt), string(event.Kind),
		event.JobID, event.WorkID, event.DeadLetterID, event.Actor, event.Detail,
	); err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// insertWorkItem enqueues a work item. Status is always queued; claims are
// the only path into running.
func insertWorkItem(ctx context.Context, db dbtx, item *domain.WorkItem) error {
	now := time.Now().UTC()
	runAt := item.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO work_queue (id, job_id, stage, payload, status, priority,
			run_at, attempt_count, last_error_class, replay_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.JobID, string(item.Stage), item.Payload, item.Priority,
		toMillis(runAt), item.AttemptCount, nullableClass(item.LastErrorClass),
		item.ReplayOf, toMillis(now), toMillis(now),
	); err != nil {
		return fmt.Errorf("failed to enqueue work item: %w", err)
	}
	return nil
}
