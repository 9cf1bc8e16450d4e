package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reviewpipe/reviewpipe/internal/domain"
	"github.com/reviewpipe/reviewpipe/internal/payload"
)

// Submission validation errors.
var (
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrInvalidChangelist      = errors.New("changelist id must be positive")
	ErrInvalidReviewVersion   = errors.New("review version must be positive")
	ErrNoRecipients           = errors.New("at least one recipient is required")
)

// Stable reasons carried by RerunBlockedError.
const (
	ReasonStaleReviewVersion = "stale_review_version"
	ReasonRerunRequired      = "rerun_required"
)

// RerunBlockedError reports why a submission was refused. The reason is a
// stable identifier; the prior job that triggered the block is available on
// the error for callers that want to show it.
type RerunBlockedError struct {
	Reason        string
	ChangelistID  int64
	ReviewVersion int
	PriorJob      *domain.Job
}

func (e *RerunBlockedError) Error() string {
	return fmt.Sprintf("submission blocked (%s): changelist %d version %d, last succeeded version %d",
		e.Reason, e.ChangelistID, e.ReviewVersion, e.PriorJob.ReviewVersion)
}

// Dead letter listing defaults.
const (
	DefaultDeadLetterPageSize = 50
	MaxDeadLetterPageSize     = 500
)

// Service is the caller-facing surface of the review pipeline: submitting
// and rerunning reviews, reading job state, and the operator workflow over
// dead letters.
type Service struct {
	repo     Repository
	payloads payload.Store
}

// NewService creates a dispatch service.
func NewService(repo Repository, payloads payload.Store) *Service {
	return &Service{repo: repo, payloads: payloads}
}

// SubmitReview creates a job for (changelistID, reviewVersion) under the
// caller's idempotency key and enqueues its fetch stage. Resubmitting the
// same key returns the existing job with created=false and writes nothing.
//
// Version gating against the changelist's last succeeded review:
//
//   - equal version: the prior job is returned as a no-op
//   - lower version: blocked with stale_review_version
//   - higher version: blocked with rerun_required; use RequestRerun
func (s *Service) SubmitReview(ctx context.Context, idempotencyKey string, changelistID int64, reviewVersion int, recipients []string) (*domain.Job, bool, error) {
	return s.submit(ctx, idempotencyKey, changelistID, reviewVersion, recipients, false)
}

// RequestRerun is SubmitReview with the rerun gate lifted: a version
// strictly greater than the last succeeded one creates a new job. Equal and
// lower versions behave as in SubmitReview. Reruns of jobs that never
// succeeded only need an idempotency key distinct from prior submissions.
func (s *Service) RequestRerun(ctx context.Context, idempotencyKey string, changelistID int64, reviewVersion int, recipients []string) (*domain.Job, bool, error) {
	return s.submit(ctx, idempotencyKey, changelistID, reviewVersion, recipients, true)
}

func (s *Service) submit(ctx context.Context, idempotencyKey string, changelistID int64, reviewVersion int, recipients []string, rerunRequested bool) (*domain.Job, bool, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return nil, false, ErrIdempotencyKeyRequired
	}
	if changelistID <= 0 {
		return nil, false, ErrInvalidChangelist
	}
	if reviewVersion <= 0 {
		return nil, false, ErrInvalidReviewVersion
	}
	recipients = normalizeRecipients(recipients)
	if len(recipients) == 0 {
		return nil, false, ErrNoRecipients
	}

	// The key decides before any version gate: a retried request must see
	// the same answer it got the first time.
	existing, err := s.repo.GetJobByIdempotencyKey(ctx, idempotencyKey)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	prior, err := s.repo.LatestSucceededJob(ctx, changelistID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to check prior reviews: %w", err)
	}
	if prior != nil {
		switch {
		case reviewVersion == prior.ReviewVersion:
			// Already reviewed at this exact version.
			return prior, false, nil
		case reviewVersion < prior.ReviewVersion:
			return nil, false, s.blocked(ctx, ReasonStaleReviewVersion, changelistID, reviewVersion, prior)
		case !rerunRequested:
			return nil, false, s.blocked(ctx, ReasonRerunRequired, changelistID, reviewVersion, prior)
		}
	}

	job, work, err := newJobWithFetch(idempotencyKey, changelistID, reviewVersion, recipients)
	if err != nil {
		return nil, false, err
	}

	job, created, err := s.repo.InsertJob(ctx, job, work)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}
	if created {
		slog.InfoContext(ctx, "review job created",
			"job_id", job.ID,
			"changelist_id", changelistID,
			"review_version", reviewVersion,
			"recipients", len(recipients),
			"rerun", rerunRequested)
		if rerunRequested {
			s.audit(ctx, domain.AuditRerunAllowed, &job.ID, map[string]any{
				"changelist_id":  changelistID,
				"review_version": reviewVersion,
				"prior_version":  priorVersion(prior),
			})
		}
	}
	return job, created, nil
}

// blocked builds the typed error and leaves an audit trace; blocked
// submissions mutate nothing else, so the audit row is their only record.
func (s *Service) blocked(ctx context.Context, reason string, changelistID int64, reviewVersion int, prior *domain.Job) error {
	s.audit(ctx, domain.AuditRerunBlocked, &prior.ID, map[string]any{
		"reason":            reason,
		"changelist_id":     changelistID,
		"requested_version": reviewVersion,
		"prior_version":     prior.ReviewVersion,
	})
	slog.WarnContext(ctx, "review submission blocked",
		"reason", reason,
		"changelist_id", changelistID,
		"requested_version", reviewVersion,
		"prior_version", prior.ReviewVersion)
	return &RerunBlockedError{
		Reason:        reason,
		ChangelistID:  changelistID,
		ReviewVersion: reviewVersion,
		PriorJob:      prior,
	}
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// GetJobResult returns the validated review result for a succeeded job as
// stored JSON. domain.ErrNotFound when the job has no result yet.
func (s *Service) GetJobResult(ctx context.Context, jobID string) ([]byte, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.ResultRef == nil {
		return nil, fmt.Errorf("job %s has no result: %w", jobID, domain.ErrNotFound)
	}
	raw, err := s.payloads.Get(ctx, *job.ResultRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	return raw, nil
}

// Finalize forces a job to a terminal status. succeeded is refused while any
// outbox row for the job's review version is unnotified.
func (s *Service) Finalize(ctx context.Context, jobID string, outcome domain.JobStatus) error {
	if outcome != domain.JobStatusSucceeded && outcome != domain.JobStatusFailed {
		return fmt.Errorf("outcome %q is not a terminal status", outcome)
	}
	return s.repo.FinalizeJob(ctx, jobID, outcome)
}

// ListDeadLetters returns dead letters matching the filter, most recent
// first, clamped to MaxDeadLetterPageSize.
func (s *Service) ListDeadLetters(ctx context.Context, filter domain.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultDeadLetterPageSize
	}
	if filter.Limit > MaxDeadLetterPageSize {
		filter.Limit = MaxDeadLetterPageSize
	}
	return s.repo.ListDeadLetters(ctx, filter)
}

// GetDeadLetter returns a dead letter by id.
func (s *Service) GetDeadLetter(ctx context.Context, dlID string) (*domain.DeadLetter, error) {
	return s.repo.GetDeadLetter(ctx, dlID)
}

// AttachEvidence records remediation evidence on a dead letter ahead of
// replay. The ref must name an uploaded payload.
func (s *Service) AttachEvidence(ctx context.Context, dlID, evidenceRef string) error {
	ref, err := s.verifyEvidence(ctx, evidenceRef)
	if err != nil {
		return err
	}
	return s.repo.AttachEvidence(ctx, dlID, ref)
}

// Replay re-enters a dead-lettered job into the pipeline. Evidence is
// required: either evidenceRef or a previously attached ref must name an
// uploaded payload. Resume mode re-runs the failed stage with its original
// payload; full restart re-runs from fetch.
//
// The replayed work item carries the dead letter id, so a repeat failure
// updates this dead letter instead of opening a new one, and completion
// resolves it.
func (s *Service) Replay(ctx context.Context, dlID string, mode domain.RestartMode, evidenceRef string) (*domain.WorkItem, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid restart mode %q", mode)
	}

	dl, err := s.repo.GetDeadLetter(ctx, dlID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter: %w", err)
	}
	if dl.Status != domain.DeadLetterStatusOpen && dl.Status != domain.DeadLetterStatusReopened {
		return nil, fmt.Errorf("dead letter %s is %s: %w", dlID, dl.Status, domain.ErrInvalidTransition)
	}

	evidence := strings.TrimSpace(evidenceRef)
	if evidence == "" && dl.RemediationEvidenceRef != nil {
		evidence = *dl.RemediationEvidenceRef
	}
	if evidence == "" {
		return nil, domain.ErrEvidenceRequired
	}
	evidence, err = s.verifyEvidence(ctx, evidence)
	if err != nil {
		return nil, err
	}

	failed, err := s.repo.GetWorkItem(ctx, dl.WorkID)
	if err != nil {
		return nil, fmt.Errorf("failed to load failed work item: %w", err)
	}

	stage := dl.Stage
	body := failed.Payload
	if mode == domain.RestartModeFullRestart && stage != domain.StageFetch {
		job, err := s.repo.GetJob(ctx, dl.JobID)
		if err != nil {
			return nil, fmt.Errorf("failed to load job: %w", err)
		}
		stage = domain.StageFetch
		body, err = json.Marshal(domain.FetchPayload{
			ChangelistID:  job.ChangelistID,
			ReviewVersion: job.ReviewVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode fetch payload: %w", err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate id: %w", err)
	}
	replayOf := dl.ID
	work := &domain.WorkItem{
		ID:       id.String(),
		JobID:    dl.JobID,
		Stage:    stage,
		Payload:  body,
		Status:   domain.WorkStatusQueued,
		Priority: failed.Priority,
		RunAt:    time.Now().UTC(),
		ReplayOf: &replayOf,
	}

	if err := s.repo.StartReplay(ctx, dl.ID, evidence, work); err != nil {
		return nil, fmt.Errorf("failed to start replay: %w", err)
	}

	slog.InfoContext(ctx, "dead letter replay started",
		"dl_id", dl.ID,
		"job_id", dl.JobID,
		"restart_stage", stage,
		"mode", mode,
		"replay_count", dl.ReplayCount+1)
	return work, nil
}

// Resolve closes a dead letter that was remediated outside the pipeline.
func (s *Service) Resolve(ctx context.Context, dlID, notes string) error {
	return s.repo.ResolveDeadLetter(ctx, dlID, notes)
}

// verifyEvidence normalizes and checks that an evidence ref names an
// uploaded payload.
func (s *Service) verifyEvidence(ctx context.Context, evidenceRef string) (string, error) {
	ref := strings.TrimSpace(evidenceRef)
	if ref == "" {
		return "", domain.ErrEvidenceRequired
	}
	if err := payload.ValidateKey(ref); err != nil {
		return "", fmt.Errorf("invalid evidence ref: %w", err)
	}
	ok, err := s.payloads.Exists(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to verify evidence: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("evidence %q is not uploaded: %w", ref, domain.ErrEvidenceRequired)
	}
	return ref, nil
}

// audit writes a best-effort service-side audit event. Transactional writes
// (job creation, replay start) are audited by the repository instead.
func (s *Service) audit(ctx context.Context, kind domain.AuditKind, jobID *string, detail map[string]any) {
	id, err := uuid.NewV7()
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate audit id", "kind", kind, "error", err)
		return
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode audit detail", "kind", kind, "error", err)
		return
	}
	event := &domain.AuditEvent{
		ID:         id.String(),
		OccurredAt: time.Now().UTC(),
		Kind:       kind,
		JobID:      jobID,
		Actor:      "dispatch",
		Detail:     raw,
	}
	if err := s.repo.RecordAudit(ctx, event); err != nil {
		slog.ErrorContext(ctx, "failed to record audit event", "kind", kind, "error", err)
	}
}

func newJobWithFetch(idempotencyKey string, changelistID int64, reviewVersion int, recipients []string) (*domain.Job, *domain.WorkItem, error) {
	jobID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate id: %w", err)
	}
	workID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate id: %w", err)
	}
	body, err := json.Marshal(domain.FetchPayload{
		ChangelistID:  changelistID,
		ReviewVersion: reviewVersion,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode fetch payload: %w", err)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:             jobID.String(),
		IdempotencyKey: idempotencyKey,
		ChangelistID:   changelistID,
		ReviewVersion:  reviewVersion,
		Recipients:     recipients,
		Status:         domain.JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	work := &domain.WorkItem{
		ID:      workID.String(),
		JobID:   job.ID,
		Stage:   domain.StageFetch,
		Payload: body,
		Status:  domain.WorkStatusQueued,
		RunAt:   now,
	}
	return job, work, nil
}

// normalizeRecipients trims, drops empties, and returns a sorted duplicate-
// free list so equal submissions produce identical job rows.
func normalizeRecipients(recipients []string) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func priorVersion(prior *domain.Job) int {
	if prior == nil {
		return 0
	}
	return prior.ReviewVersion
}
