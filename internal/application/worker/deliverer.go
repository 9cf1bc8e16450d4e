package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/domain"
	"github.com/reviewpipe/reviewpipe/internal/redact"
)

// OutboxStore is the row-level outbox contract the deliverer runs against.
// Implementations back it with the same database as the Coordinator.
type OutboxStore interface {
	// ListOutbox returns every outbox row for the job, ordered recipient
	// ascending then id ascending, so retries walk recipients in a stable
	// order.
	ListOutbox(ctx context.Context, jobID string) ([]domain.OutboxEntry, error)

	// RecordOutboxAttempt increments attempt_count and overwrites
	// last_error. The deliverer writes the send_attempted sentinel here
	// immediately before calling the provider.
	RecordOutboxAttempt(ctx context.Context, entryID, lastError string) error

	// MarkOutboxSent records the provider acknowledgment. The update is
	// conditional on notified_at still being null; a row that was marked
	// concurrently keeps its first acknowledgment and the call is a no-op.
	MarkOutboxSent(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error

	// MarkOutboxFailedPermanent parks the row for operator triage.
	MarkOutboxFailedPermanent(ctx context.Context, entryID, lastError string) error
}

// Notification is one message handed to the provider. Token is the
// deterministic idempotency key; sending the same token twice must yield the
// same provider notification id.
type Notification struct {
	Token         string
	Recipient     string
	ChangelistID  int64
	ReviewVersion int
	Summary       string
	FindingCount  int
	ResultRef     string
}

// Provider delivers notifications. Implementations classify their failures
// via ClassifiedError so the deliverer can split retryable delivery problems
// from permanently undeliverable recipients.
type Provider interface {
	// Send delivers n and returns the provider's notification id.
	Send(ctx context.Context, n Notification) (string, error)

	// Lookup reports whether a token was already delivered, returning the
	// provider notification id when it was.
	Lookup(ctx context.Context, token string) (string, bool, error)
}

// DeliveryReport summarizes one DeliverPending pass over a job's outbox.
type DeliveryReport struct {
	Delivered         int // sent and marked this pass
	AlreadySent       int // notified_at was already set
	Reconciled        int // ambiguous rows resolved via provider lookup
	PermanentFailures int
	PermanentClass    domain.ErrorClass // first permanent class seen
}

// Deliverer walks a job's outbox rows and drives each to notified_at under
// the send-then-mark protocol:
//
//	write send_attempted sentinel -> provider send -> mark notified_at
//
// A crash between send and mark leaves the sentinel (and possibly the
// notification id) behind with notified_at null. Such rows are ambiguous and
// are resolved by provider lookup before any resend, so a recipient never
// sees a duplicate even if the provider's own token dedupe were to fail.
type Deliverer struct {
	store    OutboxStore
	provider Provider
	redactor *redact.Redactor
	timeout  time.Duration
}

// NewDeliverer creates a deliverer. timeout bounds each provider call.
func NewDeliverer(store OutboxStore, provider Provider, redactor *redact.Redactor, timeout time.Duration) *Deliverer {
	if redactor == nil {
		redactor = redact.New()
	}
	return &Deliverer{store: store, provider: provider, redactor: redactor, timeout: timeout}
}

// DeliverPending attempts every unnotified outbox row for the job. It stops
// early only on store failures or ctx cancellation; provider failures are
// recorded per row and the pass continues, so one broken recipient never
// starves the rest.
//
// A retryable provider failure is returned as the error after the full pass
// so the caller's retry budget and backoff apply; rows that reached
// notified_at are skipped on the next pass. Permanent failures are reported,
// not returned: the caller decides the job's fate.
func (d *Deliverer) DeliverPending(ctx context.Context, jobID string, p domain.NotifyPayload) (DeliveryReport, error) {
	var report DeliveryReport

	rows, err := d.store.ListOutbox(ctx, jobID)
	if err != nil {
		return report, fmt.Errorf("list outbox: %w", err)
	}

	var retryable error
	for i := range rows {
		row := &rows[i]
		if row.NotifiedAt != nil {
			report.AlreadySent++
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		token := domain.NotificationToken(row.ChangelistID, row.Recipient, row.ReviewVersion)

		if ambiguous(row) {
			resolved, err := d.reconcileRow(ctx, row, token)
			if err != nil {
				return report, err
			}
			if resolved {
				report.Reconciled++
				continue
			}
		}

		err := d.sendRow(ctx, row, Notification{
			Token:         token,
			Recipient:     row.Recipient,
			ChangelistID:  row.ChangelistID,
			ReviewVersion: row.ReviewVersion,
			Summary:       p.Summary,
			FindingCount:  p.FindingCount,
			ResultRef:     p.ResultRef,
		})
		switch {
		case err == nil:
			report.Delivered++
		case isStoreFailure(err):
			return report, err
		case Classify(err).Retryable():
			if retryable == nil {
				retryable = err
			}
		default:
			class := Classify(err)
			if report.PermanentFailures == 0 {
				report.PermanentClass = class
			}
			report.PermanentFailures++
			if err := d.store.MarkOutboxFailedPermanent(ctx, row.ID, d.redactor.RedactError(err)); err != nil {
				return report, fmt.Errorf("park outbox row %s: %w", row.ID, err)
			}
			slog.WarnContext(ctx, "recipient permanently undeliverable",
				"job_id", jobID,
				"recipient", row.Recipient,
				"class", class)
		}
	}

	return report, retryable
}

// ambiguous reports whether a previous attempt may have reached the provider
// without the mark landing.
func ambiguous(row *domain.OutboxEntry) bool {
	if row.NotificationID != nil {
		return true
	}
	return row.LastError != nil && *row.LastError == domain.SendAttemptedSentinel
}

// reconcileRow asks the provider whether the row's token was already
// delivered and marks the row if so. Returns true when the row is finished.
func (d *Deliverer) reconcileRow(ctx context.Context, row *domain.OutboxEntry, token string) (bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, found, err := d.provider.Lookup(lookupCtx, token)
	if err != nil {
		return false, fmt.Errorf("reconcile outbox row %s: %w", row.ID, err)
	}
	if !found {
		return false, nil
	}
	if err := d.store.MarkOutboxSent(ctx, row.ID, id, time.Now().UTC()); err != nil {
		return false, storeFailure(fmt.Errorf("mark reconciled outbox row %s: %w", row.ID, err))
	}
	slog.InfoContext(ctx, "ambiguous outbox row reconciled as sent",
		"outbox_id", row.ID, "recipient", row.Recipient)
	return true, nil
}

// sendRow runs the send-then-mark sequence for one row.
func (d *Deliverer) sendRow(ctx context.Context, row *domain.OutboxEntry, n Notification) error {
	if err := d.store.RecordOutboxAttempt(ctx, row.ID, domain.SendAttemptedSentinel); err != nil {
		return storeFailure(fmt.Errorf("record outbox attempt %s: %w", row.ID, err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	id, err := d.provider.Send(sendCtx, n)
	if err != nil {
		redacted := d.redactor.RedactError(err)
		if recordErr := d.store.RecordOutboxAttempt(ctx, row.ID, redacted); recordErr != nil {
			return storeFailure(fmt.Errorf("record outbox failure %s: %w", row.ID, recordErr))
		}
		return fmt.Errorf("send to %s: %w", n.Recipient, err)
	}

	if err := d.store.MarkOutboxSent(ctx, row.ID, id, time.Now().UTC()); err != nil {
		// The provider accepted the send but the mark failed. The sentinel
		// is still on the row, so the next pass reconciles by token instead
		// of resending.
		return storeFailure(fmt.Errorf("mark outbox row %s sent: %w", row.ID, err))
	}
	return nil
}

// storeFailureError wraps database errors so the delivery loop can tell them
// apart from provider failures: store errors abort the pass, provider errors
// only fail their row.
type storeFailureError struct{ err error }

func (e storeFailureError) Error() string { return e.err.Error() }
func (e storeFailureError) Unwrap() error { return e.err }

func storeFailure(err error) error { return storeFailureError{err: err} }

func isStoreFailure(err error) bool {
	var sf storeFailureError
	return errors.As(err, &sf)
}
