package worker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/reviewpipe/reviewpipe/internal/domain"
	"github.com/reviewpipe/reviewpipe/internal/payload"
	"github.com/reviewpipe/reviewpipe/internal/redact"
	"github.com/reviewpipe/reviewpipe/internal/review"
)

// FetchResult is the fetcher's view of one changelist.
type FetchResult struct {
	ChangedFiles []string
	Diff         []byte
}

// Fetcher retrieves changelist contents from source control. Implementations
// classify their own failures (allow-list denials, unknown changelists,
// timeouts) via ClassifiedError.
type Fetcher interface {
	Fetch(ctx context.Context, changelistID int64) (*FetchResult, error)
}

// ReviewRequest is the model client input. Diff has already passed through
// the redaction pipeline.
type ReviewRequest struct {
	ChangelistID  int64
	ReviewVersion int
	ChangedFiles  []string
	Diff          string
}

// ModelClient submits a review request and returns the raw response bytes
// untouched, so the validator sees exactly what the model produced.
type ModelClient interface {
	Review(ctx context.Context, req ReviewRequest) ([]byte, error)
}

// ReviewWorker drives the staged review pipeline: it claims work items under
// a lease, runs the stage handler with heartbeat and panic recovery, and
// routes failures through classification, backoff, and dead-lettering.
type ReviewWorker struct {
	coordinator Coordinator
	fetcher     Fetcher
	model       ModelClient
	deliverer   *Deliverer
	validator   *review.Validator
	payloads    payload.Store
	redactor    *redact.Redactor
	cfg         Config
}

// NewReviewWorker creates a worker with the given collaborators.
func NewReviewWorker(
	coordinator Coordinator,
	fetcher Fetcher,
	model ModelClient,
	deliverer *Deliverer,
	validator *review.Validator,
	payloads payload.Store,
	redactor *redact.Redactor,
	cfg Config,
) *ReviewWorker {
	if redactor == nil {
		redactor = redact.New()
	}
	return &ReviewWorker{
		coordinator: coordinator,
		fetcher:     fetcher,
		model:       model,
		deliverer:   deliverer,
		validator:   validator,
		payloads:    payloads,
		redactor:    redactor,
		cfg:         cfg,
	}
}

// Run claims and processes work until ctx is cancelled, sleeping
// PollInterval between empty polls. Items in flight when ctx is cancelled
// are abandoned to lease expiry; the sweeper requeues them.
func (w *ReviewWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := w.RunProcessOnce(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "work item processing failed",
				"worker_id", w.cfg.WorkerID, "error", err)
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunProcessOnce claims and processes a single work item with heartbeat and
// panic recovery. It returns false when nothing was eligible to claim, and
// an error only for infrastructure failures; stage failures are routed to
// retry or dead-letter and reported as handled.
func (w *ReviewWorker) RunProcessOnce(ctx context.Context) (bool, error) {
	item, err := w.coordinator.ClaimNextWorkItem(ctx, w.cfg.WorkerID, w.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("failed to claim work item: %w", err)
	}
	if item == nil {
		return false, nil
	}

	slog.InfoContext(ctx, "claimed work item",
		"work_id", item.ID,
		"job_id", item.JobID,
		"stage", item.Stage,
		"attempt", item.AttemptCount,
		"worker_id", w.cfg.WorkerID)

	// Processing gets its own cancellation so a lost lease aborts in-flight
	// external calls instead of letting them race the item's next owner.
	processCtx, cancelProcess := context.WithCancelCause(ctx)
	defer cancelProcess(nil)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, item.ID, cancelProcess)

	err = w.executeWithRecovery(processCtx, item)
	cancelHeartbeat()

	switch {
	case err == nil:
		slog.InfoContext(ctx, "work item completed",
			"work_id", item.ID, "job_id", item.JobID, "stage", item.Stage)
		return true, nil

	case w.lostOwnership(processCtx, err):
		// Another worker owns the item now. Every further write would hit a
		// 0-rows owner guard, so stop here without reporting a failure.
		slog.DebugContext(ctx, "lease lost mid-processing, discarding work",
			"work_id", item.ID, "worker_id", w.cfg.WorkerID)
		return true, nil

	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Shutdown interrupted processing. Leave the item running; its lease
		// expires and the sweeper requeues it.
		slog.InfoContext(ctx, "processing interrupted by shutdown",
			"work_id", item.ID, "job_id", item.JobID)
		return true, nil

	default:
		return true, w.handleFailure(ctx, item, err)
	}
}

func (w *ReviewWorker) lostOwnership(processCtx context.Context, err error) bool {
	if errors.Is(err, domain.ErrWorkOwnershipLost) {
		return true
	}
	return errors.Is(context.Cause(processCtx), domain.ErrWorkOwnershipLost)
}

// runHeartbeat renews the lease until cancelled. A heartbeat that comes back
// with lost ownership cancels processing; transient store errors are
// tolerated because the lease outlives a missed renewal.
func (w *ReviewWorker) runHeartbeat(ctx context.Context, workID string, cancelProcess context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.coordinator.ExtendLease(ctx, workID, w.cfg.WorkerID, w.cfg.Lease)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrWorkOwnershipLost):
				slog.DebugContext(ctx, "lease lost on heartbeat, cancelling processing",
					"work_id", workID, "worker_id", w.cfg.WorkerID)
				cancelProcess(domain.ErrWorkOwnershipLost)
				return
			default:
				slog.WarnContext(ctx, "heartbeat failed",
					"work_id", workID, "error", err)
			}
		}
	}
}

// executeWithRecovery runs the stage handler, converting panics into
// PanicError so they dead-letter as INVARIANT_VIOLATION instead of killing
// the worker process.
func (w *ReviewWorker) executeWithRecovery(ctx context.Context, item *domain.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	return w.processStage(ctx, item)
}

func (w *ReviewWorker) processStage(ctx context.Context, item *domain.WorkItem) error {
	switch item.Stage {
	case domain.StageFetch:
		return w.processFetch(ctx, item)
	case domain.StageLLM:
		return w.processLLM(ctx, item)
	case domain.StageNotify:
		return w.processNotify(ctx, item)
	default:
		return NewClassified(domain.ErrorClassInvariantViolation,
			fmt.Errorf("unknown stage %q", item.Stage))
	}
}

// processFetch pulls the changelist, stores the raw diff, and chains the llm
// stage with the changed file list.
func (w *ReviewWorker) processFetch(ctx context.Context, item *domain.WorkItem) error {
	var p domain.FetchPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return NewClassified(domain.ErrorClassInvariantViolation,
			fmt.Errorf("malformed fetch payload: %w", err))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	res, err := w.fetcher.Fetch(fetchCtx, p.ChangelistID)
	if err != nil {
		return fmt.Errorf("fetch changelist %d: %w", p.ChangelistID, err)
	}

	diffRef := payload.DiffKey(item.JobID)
	if err := w.payloads.Put(ctx, diffRef, res.Diff); err != nil {
		return fmt.Errorf("store diff payload: %w", err)
	}

	next, err := nextWorkItem(item, domain.StageLLM, domain.ReviewPayload{
		ChangelistID:  p.ChangelistID,
		ReviewVersion: p.ReviewVersion,
		ChangedFiles:  res.ChangedFiles,
		DiffRef:       diffRef,
	})
	if err != nil {
		return err
	}
	return w.coordinator.CompleteWorkItem(ctx, item.ID, w.cfg.WorkerID, next)
}

// processLLM submits the redacted diff to the model, validates the response,
// stores the surviving result, and chains the notify stage.
func (w *ReviewWorker) processLLM(ctx context.Context, item *domain.WorkItem) error {
	var p domain.ReviewPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return NewClassified(domain.ErrorClassInvariantViolation,
			fmt.Errorf("malformed review payload: %w", err))
	}

	diff, err := w.payloads.Get(ctx, p.DiffRef)
	if err != nil {
		if errors.Is(err, payload.ErrNotFound) {
			// The fetch stage completed, so its output must exist.
			return NewClassified(domain.ErrorClassInvariantViolation, err)
		}
		return fmt.Errorf("load diff payload: %w", err)
	}

	modelCtx, cancel := context.WithTimeout(ctx, w.cfg.ModelTimeout)
	defer cancel()
	raw, err := w.model.Review(modelCtx, ReviewRequest{
		ChangelistID:  p.ChangelistID,
		ReviewVersion: p.ReviewVersion,
		ChangedFiles:  p.ChangedFiles,
		Diff:          w.redactor.Redact(string(diff)),
	})
	if err != nil {
		return fmt.Errorf("model review for changelist %d: %w", p.ChangelistID, err)
	}

	outcome := w.validator.Validate(raw, p.ChangedFiles)
	if len(outcome.Diagnostics) > 0 {
		slog.InfoContext(ctx, "validator diagnostics",
			"job_id", item.JobID,
			"diagnostics", len(outcome.Diagnostics),
			"findings_kept", len(outcome.Result.Findings),
			"rejected", outcome.Rejected)
	}
	if outcome.Rejected {
		return NewClassified(outcome.RejectClass,
			errors.New("model response rejected by validator"))
	}

	resultBytes, err := json.Marshal(outcome.Result)
	if err != nil {
		return NewClassified(domain.ErrorClassInvariantViolation,
			fmt.Errorf("encode validated result: %w", err))
	}
	resultRef := payload.ResultKey(item.JobID)
	if err := w.payloads.Put(ctx, resultRef, resultBytes); err != nil {
		return fmt.Errorf("store result payload: %w", err)
	}
	if err := w.coordinator.SetJobResultRef(ctx, item.JobID, resultRef); err != nil {
		return fmt.Errorf("record result ref: %w", err)
	}

	next, err := nextWorkItem(item, domain.StageNotify, domain.NotifyPayload{
		ChangelistID:  p.ChangelistID,
		ReviewVersion: p.ReviewVersion,
		ResultRef:     resultRef,
		Summary:       outcome.Result.Summary,
		FindingCount:  len(outcome.Result.Findings),
	})
	if err != nil {
		return err
	}
	return w.coordinator.CompleteWorkItem(ctx, item.ID, w.cfg.WorkerID, next)
}

// processNotify materializes outbox rows for the job's recipients, delivers
// them with send-then-mark, and finalizes the job once every row is
// notified.
func (w *ReviewWorker) processNotify(ctx context.Context, item *domain.WorkItem) error {
	var p domain.NotifyPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return NewClassified(domain.ErrorClassInvariantViolation,
			fmt.Errorf("malformed notify payload: %w", err))
	}

	job, err := w.coordinator.GetJob(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if err := w.coordinator.MaterializeOutbox(ctx, job.ID, p.ChangelistID, p.ReviewVersion, job.Recipients); err != nil {
		return fmt.Errorf("materialize outbox: %w", err)
	}

	report, err := w.deliverer.DeliverPending(ctx, job.ID, p)
	if err != nil {
		return fmt.Errorf("deliver notifications: %w", err)
	}
	if report.PermanentFailures > 0 {
		// Open Question (ii): permanently undeliverable recipients fail the
		// job rather than inventing a partially_succeeded status; the
		// operator resolves the outbox rows and replays.
		return NewClassified(report.PermanentClass,
			fmt.Errorf("%d of %d recipients permanently undeliverable",
				report.PermanentFailures, len(job.Recipients)))
	}

	return w.coordinator.FinalizeNotify(ctx, item.ID, w.cfg.WorkerID, job.ID)
}

// handleFailure routes a stage failure: retryable classes with budget left
// requeue with full-jitter backoff, everything else dead-letters. Ownership
// loss during routing means another worker took over; stop silently.
func (w *ReviewWorker) handleFailure(ctx context.Context, item *domain.WorkItem, procErr error) error {
	class := Classify(procErr)
	redactedErr := w.redactor.RedactError(procErr)

	if class.Retryable() && !w.cfg.Retry.Exhausted(item.AttemptCount) {
		delay := w.cfg.Retry.Delay(item.AttemptCount, RetryAfterHint(procErr))
		err := w.coordinator.RequeueForRetry(ctx, item.ID, w.cfg.WorkerID, class, time.Now().UTC().Add(delay))
		if errors.Is(err, domain.ErrWorkOwnershipLost) {
			slog.DebugContext(ctx, "lease lost scheduling retry", "work_id", item.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		slog.WarnContext(ctx, "work item scheduled for retry",
			"work_id", item.ID,
			"job_id", item.JobID,
			"stage", item.Stage,
			"class", class,
			"attempt", item.AttemptCount,
			"delay", delay,
			"error", redactedErr)
		return nil
	}

	dl, err := w.buildDeadLetter(item, class, procErr, redactedErr)
	if err != nil {
		return err
	}

	if item.ReplayOf != nil {
		return w.recordReplayFailure(ctx, item, dl, class, redactedErr)
	}

	err = w.coordinator.MoveToDeadLetter(ctx, item.ID, w.cfg.WorkerID, dl)
	if errors.Is(err, domain.ErrWorkOwnershipLost) {
		slog.DebugContext(ctx, "lease lost during dead-lettering", "work_id", item.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to dead-letter work item: %w", err)
	}
	slog.ErrorContext(ctx, "work item dead-lettered",
		"work_id", item.ID,
		"job_id", item.JobID,
		"stage", item.Stage,
		"class", class,
		"attempts", item.AttemptCount,
		"dl_id", dl.ID,
		"error", redactedErr)
	return nil
}

// recordReplayFailure updates the dead letter a replayed item came from. A
// repeat of the same non-retryable class escalates; anything else reopens
// the dead letter for another round of triage.
func (w *ReviewWorker) recordReplayFailure(ctx context.Context, item *domain.WorkItem, dl *domain.DeadLetter, class domain.ErrorClass, redactedErr string) error {
	prior, err := w.coordinator.GetDeadLetter(ctx, *item.ReplayOf)
	if err != nil {
		return fmt.Errorf("failed to load replayed dead letter: %w", err)
	}
	dl.ID = prior.ID
	escalate := !class.Retryable() && class == prior.ErrorClass

	err = w.coordinator.RecordReplayFailure(ctx, item.ID, w.cfg.WorkerID, dl, escalate)
	if errors.Is(err, domain.ErrWorkOwnershipLost) {
		slog.DebugContext(ctx, "lease lost recording replay failure", "work_id", item.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record replay failure: %w", err)
	}

	if escalate {
		slog.ErrorContext(ctx, "replay failed with the same error class, escalating",
			"dl_id", prior.ID,
			"job_id", item.JobID,
			"stage", item.Stage,
			"class", class,
			"error", redactedErr)
	} else {
		slog.WarnContext(ctx, "replay failed, dead letter reopened",
			"dl_id", prior.ID,
			"job_id", item.JobID,
			"stage", item.Stage,
			"class", class,
			"error", redactedErr)
	}
	return nil
}

func (w *ReviewWorker) buildDeadLetter(item *domain.WorkItem, class domain.ErrorClass, procErr error, redactedErr string) (*domain.DeadLetter, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate id: %w", err)
	}
	now := time.Now().UTC()
	dl := &domain.DeadLetter{
		ID:               id.String(),
		JobID:            item.JobID,
		WorkID:           item.ID,
		Stage:            item.Stage,
		ErrorClass:       class,
		SanitizedContext: sanitizedContext(item, class, redactedErr, procErr),
		FirstFailureAt:   now,
		LastFailureAt:    now,
		AttemptCount:     item.AttemptCount,
		Status:           domain.DeadLetterStatusOpen,
	}
	var panicked PanicError
	if errors.As(procErr, &panicked) {
		stack := w.redactor.Redact(panicked.StackTrace)
		dl.LastStack = &stack
	}
	return dl, nil
}

// sanitizedContext builds the triage context persisted with a dead letter:
// identifiers, counters, the upstream status, and a payload hash. Never raw
// payloads or secrets.
func sanitizedContext(item *domain.WorkItem, class domain.ErrorClass, redactedErr string, procErr error) []byte {
	fields := map[string]any{
		"stage":          item.Stage,
		"attempt_count":  item.AttemptCount,
		"error_class":    class,
		"error":          redactedErr,
		"payload_sha256": fmt.Sprintf("%x", sha256.Sum256(item.Payload)),
	}
	var classified ClassifiedError
	if errors.As(procErr, &classified) {
		if classified.Status != 0 {
			fields["upstream_status"] = classified.Status
		}
		if classified.RequestID != "" {
			fields["request_id"] = classified.RequestID
		}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return []byte(`{}`)
	}
	return raw
}

// nextWorkItem builds the queue row for the following stage. ReplayOf rides
// along so a later-stage failure of a replayed run updates the original
// dead letter instead of opening a second one.
func nextWorkItem(prev *domain.WorkItem, stage domain.Stage, body any) (*domain.WorkItem, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, NewClassified(domain.ErrorClassInvariantViolation,
			fmt.Errorf("encode %s payload: %w", stage, err))
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate id: %w", err)
	}
	return &domain.WorkItem{
		ID:       id.String(),
		JobID:    prev.JobID,
		Stage:    stage,
		Payload:  raw,
		Status:   domain.WorkStatusQueued,
		Priority: prev.Priority,
		RunAt:    time.Now().UTC(),
		ReplayOf: prev.ReplayOf,
	}, nil
}
