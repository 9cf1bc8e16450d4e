package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

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

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	if err := row.Scan(
		&job.ID, &job.IdempotencyKey, &job.ChangelistID, &job.ReviewVersion,
		&job.Recipients, &status, &job.ResultRef, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

func scanWorkItem(row pgx.Row) (*domain.WorkItem, error) {
	var (
		item      domain.WorkItem
		stage     string
		status    string
		lastClass *string
	)
	if err := row.Scan(
		&item.ID, &item.JobID, &stage, &item.Payload, &status, &item.Priority,
		&item.RunAt, &item.ClaimedBy, &item.LeaseExpiresAt, &item.AttemptCount,
		&lastClass, &item.ReplayOf, &item.CreatedAt, &item.StartedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.Stage = domain.Stage(stage)
	item.Status = domain.WorkStatus(status)
	item.LastErrorClass = ptr.Convert[domain.ErrorClass](lastClass)
	return &item, nil
}

func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var (
		dl     domain.DeadLetter
		stage  string
		class  string
		status string
	)
	if err := row.Scan(
		&dl.ID, &dl.JobID, &dl.WorkID, &stage, &class, &dl.LastStack,
		&dl.SanitizedContext, &dl.FirstFailureAt, &dl.LastFailureAt,
		&dl.AttemptCount, &status, &dl.RemediationEvidenceRef, &dl.ReplayCount,
		&dl.CreatedAt, &dl.UpdatedAt,
	); err != nil {
		return nil, err
	}
	dl.Stage = domain.Stage(stage)
	dl.ErrorClass = domain.ErrorClass(class)
	dl.Status = domain.DeadLetterStatus(status)
	return &dl, nil
}

func scanOutboxEntry(row pgx.Row) (*domain.OutboxEntry, error) {
	var (
		entry  domain.OutboxEntry
		status string
	)
	if err := row.Scan(
		&entry.ID, &entry.JobID, &entry.ChangelistID, &entry.Recipient,
		&entry.ReviewVersion, &status, &entry.NotificationID, &entry.NotifiedAt,
		&entry.AttemptCount, &entry.LastError, &entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	entry.Status = domain.OutboxStatus(status)
	return &entry, nil
}

// nullableClass converts an optional error class for a nullable text column.
func nullableClass(c *domain.ErrorClass) *string {
	return ptr.Convert[string](c)
}

// mapNotFound converts pgx.ErrNoRows into the domain not-found error.
func mapNotFound(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, entity, id)
	}
	return fmt.Errorf("failed to get %s: %w", entity, err)
}

// isUniqueViolation checks if an error is a PostgreSQL unique constraint
// violation, optionally on a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return constraint == "" || strings.Contains(pgErr.ConstraintName, constraint)
	}
	return false
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
	if _, err := db.Exec(ctx, `
		INSERT INTO audit_events (id, occurred_at, kind, job_id, work_id, dead_letter_id, actor, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.OccurredAt, string(event.Kind),
		event.JobID, event.WorkID, event.DeadLetterID, event.Actor, event.Detail,
	); err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// insertWorkItem enqueues a work item. Status is always queued; claims are
// the only path into running.
func insertWorkItem(ctx context.Context, db dbtx, item *domain.WorkItem) error {
	runAt := item.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO work_queue (id, job_id, stage, payload, status, priority,
			run_at, attempt_count, last_error_class, replay_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7, $8, $9, now(), now())`,
		item.ID, item.JobID, string(item.Stage), item.Payload, item.Priority,
		runAt, item.AttemptCount, nullableClass(item.LastErrorClass), item.ReplayOf,
	); err != nil {
		return fmt.Errorf("failed to enqueue work item: %w", err)
	}
	return nil
}
