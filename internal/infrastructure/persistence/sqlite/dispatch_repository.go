package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// Implements dispatch.Repository. GetJob and GetDeadLetter are shared with
// the coordinator side and live in coordinator.go.

// InsertJob inserts the job and its first work item in one transaction.
// When another request already holds the idempotency key, nothing is written
// and the existing job is returned with created=false.
func (s *Store) InsertJob(ctx context.Context, job *domain.Job, work *domain.WorkItem) (*domain.Job, bool, error) {
	if err := s.insertJobTx(ctx, job, work); err != nil {
		if isUniqueViolation(err, "jobs.idempotency_key") {
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

func (s *Store) insertJobTx(ctx context.Context, job *domain.Job, work *domain.WorkItem) error {
	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, idempotency_key, changelist_id, review_version,
			recipients, status, result_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.IdempotencyKey, job.ChangelistID, job.ReviewVersion,
		string(recipients), string(job.Status), job.ResultRef,
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt)); err != nil {
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
	if err := writeAudit(ctx, tx, event, map[string]any{
		"changelist_id":  job.ChangelistID,
		"review_version": job.ReviewVersion,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetJobByIdempotencyKey returns the job holding the key.
func (s *Store) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key))
	if err != nil {
		return nil, mapNotFound(err, "job with idempotency key", key)
	}
	return job, nil
}

// LatestSucceededJob returns the succeeded job with the highest review
// version for the changelist.
func (s *Store) LatestSucceededJob(ctx context.Context, changelistID int64) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE changelist_id = ? AND status = 'succeeded'
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current       string
		changelistID  int64
		reviewVersion int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, changelist_id, review_version FROM jobs WHERE id = ?`,
		jobID).Scan(&current, &changelistID, &reviewVersion)
	if errors.Is(err, sql.ErrNoRows) {
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
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM outbox
				WHERE changelist_id = ? AND review_version = ? AND notified_at IS NULL
			)`, changelistID, reviewVersion).Scan(&incomplete); err != nil {
			return fmt.Errorf("failed to check outbox completeness: %w", err)
		}
		if incomplete {
			return fmt.Errorf("%w: job %s", domain.ErrOutboxIncomplete, jobID)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(time.Now().UTC()), jobID); err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetWorkItem returns a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, workID string) (*domain.WorkItem, error) {
	item, err := scanWorkItem(s.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_queue WHERE id = ?`, workID))
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
		conditions = append(conditions, column+" = ?")
		args = append(args, value)
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
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	jobID, status, err := loadDeadLetterStatus(ctx, tx, dlID)
	if err != nil {
		return err
	}
	if status == domain.DeadLetterStatusResolved {
		return fmt.Errorf("%w: dead letter %s is resolved", domain.ErrInvalidTransition, dlID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dead_letters SET remediation_evidence_ref = ?, updated_at = ?
		WHERE id = ?`, evidenceRef, toMillis(time.Now().UTC()), dlID); err != nil {
		return fmt.Errorf("failed to attach evidence: %w", err)
	}

	event, err := buildAudit(domain.AuditEvidenceAttached, "dispatch")
	if err != nil {
		return err
	}
	event.JobID = &jobID
	event.DeadLetterID = &dlID
	if err := writeAudit(ctx, tx, event, map[string]any{
		"evidence_ref": evidenceRef,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// StartReplay moves an open or reopened dead letter to replaying, returns
// its job to pending, and enqueues the replay work item, all in one
// transaction.
func (s *Store) StartReplay(ctx context.Context, dlID, evidenceRef string, work *domain.WorkItem) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		jobID       string
		replayCount int
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE dead_letters
		SET status = 'replaying',
		    replay_count = replay_count + 1,
		    remediation_evidence_ref = COALESCE(NULLIF(?, ''), remediation_evidence_ref),
		    updated_at = ?
		WHERE id = ? AND status IN ('open', 'reopened')
		RETURNING job_id, replay_count`,
		evidenceRef, toMillis(now), dlID).Scan(&jobID, &replayCount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: dead letter %s is not replayable", domain.ErrInvalidTransition, dlID)
	}
	if err != nil {
		return fmt.Errorf("failed to start replay: %w", err)
	}

	// A job that succeeded through another path stays succeeded; its
	// leftover dead letters can only be resolved, not replayed.
	n, err := execAffected(ctx, tx, `
		UPDATE jobs SET status = 'pending', updated_at = ?
		WHERE id = ? AND status <> 'succeeded'`, toMillis(now), jobID)
	if err != nil {
		return fmt.Errorf("failed to return job to pending: %w", err)
	}
	if n == 0 {
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
	if err := writeAudit(ctx, tx, event, map[string]any{
		"restart_stage": string(work.Stage),
		"replay_count":  replayCount,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ResolveDeadLetter closes a dead letter without replay.
func (s *Store) ResolveDeadLetter(ctx context.Context, dlID, notes string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	jobID, status, err := loadDeadLetterStatus(ctx, tx, dlID)
	if err != nil {
		return err
	}
	if status == domain.DeadLetterStatusResolved {
		return fmt.Errorf("%w: dead letter %s is already resolved", domain.ErrInvalidTransition, dlID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dead_letters SET status = 'resolved', updated_at = ?
		WHERE id = ?`, toMillis(time.Now().UTC()), dlID); err != nil {
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
	if err := writeAudit(ctx, tx, event, detail); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordAudit appends a single audit event outside any transaction.
func (s *Store) RecordAudit(ctx context.Context, event *domain.AuditEvent) error {
	return writeAudit(ctx, s.db, event, nil)
}

// loadDeadLetterStatus returns a dead letter's job id and status. The write
// lock held by the surrounding transaction keeps the status stable.
func loadDeadLetterStatus(ctx context.Context, tx *sql.Tx, dlID string) (string, domain.DeadLetterStatus, error) {
	var jobID, status string
	err := tx.QueryRowContext(ctx, `
		SELECT job_id, status FROM dead_letters WHERE id = ?`, dlID).Scan(&jobID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: dead letter %s", domain.ErrNotFound, dlID)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load dead letter: %w", err)
	}
	return jobID, domain.DeadLetterStatus(status), nil
}
