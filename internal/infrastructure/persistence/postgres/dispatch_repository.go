package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// Implements dispatch.Repository. GetJob and GetDeadLetter are shared with
// the coordinator side and live in coordinator.go.

// InsertJob inserts the job and its first work item in one transaction.
// When another request already holds the idempotency key, nothing is written
// and the existing job is returned with created=false.
func (s *Store) InsertJob(ctx context.Context, job *domain.Job, work *domain.WorkItem) (*domain.Job, bool, error) {
	err := s.withTx(ctx, "insert_job", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, idempotency_key, changelist_id, review_version,
				recipients, status, result_ref, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			job.ID, job.IdempotencyKey, job.ChangelistID, job.ReviewVersion,
			job.Recipients, string(job.Status), job.ResultRef,
			job.CreatedAt, job.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		if err := insertWorkItem(ctx, tx, work); err != nil {
			return err
		}

		event, err := buildAudit(domain.AuditJobCreated, "dispatch")
		if err != nil {
			return err
		}
		event.JobID = &job.ID
		event.WorkID = &work.ID
		return writeAudit(ctx, tx, event, map[string]any{
			"changelist_id":  job.ChangelistID,
			"review_version": job.ReviewVersion,
		})
	})
	if err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			existing, getErr := s.GetJobByIdempotencyKey(ctx, job.IdempotencyKey)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to load job holding idempotency key: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return job, true, nil
}

// GetJobByIdempotencyKey returns the job holding the key.
func (s *Store) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, mapNotFound(err, "job with idempotency key", key)
	}
	return job, nil
}

// LatestSucceededJob returns the succeeded job with the highest review
// version for the changelist. Uses the partial index on succeeded jobs.
func (s *Store) LatestSucceededJob(ctx context.Context, changelistID int64) (*domain.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE changelist_id = $1 AND status = 'succeeded'
		ORDER BY review_version DESC
		LIMIT 1`, changelistID))
	if err != nil {
		return nil, mapNotFound(err, "succeeded job for changelist", strconv.FormatInt(changelistID, 10))
	}
	return job, nil
}

// FinalizeJob transitions a job to a terminal status. Moving to succeeded is
// gated on every outbox row for the job's delivery key being notified.
func (s *Store) FinalizeJob(ctx context.Context, jobID string, status domain.JobStatus) error {
	return s.withTx(ctx, "finalize_job", func(tx pgx.Tx) error {
		var (
			current       string
			changelistID  int64
			reviewVersion int
		)
		err := tx.QueryRow(ctx, `
			SELECT status, changelist_id, review_version FROM jobs
			WHERE id = $1
			FOR UPDATE`, jobID).Scan(&current, &changelistID, &reviewVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		if err != nil {
			return fmt.Errorf("failed to load job for finalize: %w", err)
		}
		if domain.JobStatus(current).Terminal() {
			return fmt.Errorf("%w: job %s is %s", domain.ErrJobTerminal, jobID, current)
		}

		if status == domain.JobStatusSucceeded {
			var incomplete bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM outbox
					WHERE changelist_id = $1 AND review_version = $2 AND notified_at IS NULL
				)`, changelistID, reviewVersion).Scan(&incomplete); err != nil {
				return fmt.Errorf("failed to check outbox completeness: %w", err)
			}
			if incomplete {
				return fmt.Errorf("%w: job %s", domain.ErrOutboxIncomplete, jobID)
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, updated_at = now() WHERE id = $1`,
			jobID, string(status)); err != nil {
			return fmt.Errorf("failed to finalize job: %w", err)
		}
		return nil
	})
}

// GetWorkItem returns a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, workID string) (*domain.WorkItem, error) {
	item, err := scanWorkItem(s.pool.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM work_queue WHERE id = $1`, workID))
	if err != nil {
		return nil, mapNotFound(err, "work item", workID)
	}
	return item, nil
}

// ListDeadLetters returns dead letters matching the filter, most recent
// failure first. A zero Limit returns everything that matches.
func (s *Store) ListDeadLetters(ctx context.Context, filter domain.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(column, value string) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.JobID != "" {
		add("job_id", filter.JobID)
	}
	if filter.Stage != "" {
		add("stage", string(filter.Stage))
	}
	if filter.ErrorClass != "" {
		add("error_class", string(filter.ErrorClass))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_failure_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}

// AttachEvidence records the remediation evidence ref on an unresolved dead
// letter.
func (s *Store) AttachEvidence(ctx context.Context, dlID, evidenceRef string) error {
	return s.withTx(ctx, "attach_evidence", func(tx pgx.Tx) error {
		jobID, status, err := lockDeadLetter(ctx, tx, dlID)
		if err != nil {
			return err
		}
		if status == domain.DeadLetterStatusResolved {
			return fmt.Errorf("%w: dead letter %s is resolved", domain.ErrInvalidTransition, dlID)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE dead_letters SET remediation_evidence_ref = $2, updated_at = now()
			WHERE id = $1`, dlID, evidenceRef); err != nil {
			return fmt.Errorf("failed to attach evidence: %w", err)
		}

		event, err := buildAudit(domain.AuditEvidenceAttached, "dispatch")
		if err != nil {
			return err
		}
		event.JobID = &jobID
		event.DeadLetterID = &dlID
		return writeAudit(ctx, tx, event, map[string]any{
			"evidence_ref": evidenceRef,
		})
	})
}

// StartReplay moves an open or reopened dead letter to replaying, returns
// its job to pending, and enqueues the replay work item, all in one
// transaction.
func (s *Store) StartReplay(ctx context.Context, dlID, evidenceRef string, work *domain.WorkItem) error {
	return s.withTx(ctx, "start_replay", func(tx pgx.Tx) error {
		var (
			jobID       string
			replayCount int
		)
		err := tx.QueryRow(ctx, `
			UPDATE dead_letters
			SET status = 'replaying',
			    replay_count = replay_count + 1,
			    remediation_evidence_ref = COALESCE(NULLIF($2, ''), remediation_evidence_ref),
			    updated_at = now()
			WHERE id = $1 AND status IN ('open', 'reopened')
			RETURNING job_id, replay_count`,
			dlID, evidenceRef).Scan(&jobID, &replayCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: dead letter %s is not replayable", domain.ErrInvalidTransition, dlID)
		}
		if err != nil {
			return fmt.Errorf("failed to start replay: %w", err)
		}

		// A job that succeeded through another path stays succeeded; its
		// leftover dead letters can only be resolved, not replayed.
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'pending', updated_at = now()
			WHERE id = $1 AND status <> 'succeeded'`, jobID)
		if err != nil {
			return fmt.Errorf("failed to return job to pending: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: job %s already succeeded", domain.ErrJobTerminal, jobID)
		}

		if err := insertWorkItem(ctx, tx, work); err != nil {
			return err
		}

		event, err := buildAudit(domain.AuditReplayStarted, "dispatch")
		if err != nil {
			return err
		}
		event.JobID = &jobID
		event.WorkID = &work.ID
		event.DeadLetterID = &dlID
		return writeAudit(ctx, tx, event, map[string]any{
			"restart_stage": string(work.Stage),
			"replay_count":  replayCount,
		})
	})
}

// ResolveDeadLetter closes a dead letter without replay.
func (s *Store) ResolveDeadLetter(ctx context.Context, dlID, notes string) error {
	return s.withTx(ctx, "resolve_dead_letter", func(tx pgx.Tx) error {
		jobID, status, err := lockDeadLetter(ctx, tx, dlID)
		if err != nil {
			return err
		}
		if status == domain.DeadLetterStatusResolved {
			return fmt.Errorf("%w: dead letter %s is already resolved", domain.ErrInvalidTransition, dlID)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE dead_letters SET status = 'resolved', updated_at = now()
			WHERE id = $1`, dlID); err != nil {
			return fmt.Errorf("failed to resolve dead letter: %w", err)
		}

		event, err := buildAudit(domain.AuditDeadLetterResolved, "dispatch")
		if err != nil {
			return err
		}
		event.JobID = &jobID
		event.DeadLetterID = &dlID
		detail := map[string]any{}
		if notes != "" {
			detail["notes"] = notes
		}
		return writeAudit(ctx, tx, event, detail)
	})
}

// RecordAudit appends a single audit event outside any transaction.
func (s *Store) RecordAudit(ctx context.Context, event *domain.AuditEvent) error {
	return writeAudit(ctx, s.pool, event, nil)
}

// lockDeadLetter row-locks a dead letter and returns its job id and status.
func lockDeadLetter(ctx context.Context, tx pgx.Tx, dlID string) (string, domain.DeadLetterStatus, error) {
	var jobID, status string
	err := tx.QueryRow(ctx, `
		SELECT job_id, status FROM dead_letters WHERE id = $1 FOR UPDATE`,
		dlID).Scan(&jobID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", fmt.Errorf("%w: dead letter %s", domain.ErrNotFound, dlID)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load dead letter: %w", err)
	}
	return jobID, domain.DeadLetterStatus(status), nil
}
