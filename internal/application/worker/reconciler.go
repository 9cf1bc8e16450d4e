package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// ReconcilerStore is the store contract for the outbox reconciler.
type ReconcilerStore interface {
	// ListAmbiguousOutbox returns outbox rows with notified_at null that
	// carry the send_attempted sentinel or a notification id, last touched
	// before updatedBefore. Ordered by updated_at ascending.
	ListAmbiguousOutbox(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.OutboxEntry, error)

	// MarkOutboxSent records the provider acknowledgment, conditional on
	// notified_at still being null.
	MarkOutboxSent(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error

	// ClearOutboxAmbiguity resets notification_id and last_error on an
	// unnotified row after the provider confirmed the token was never
	// delivered, making the row safe to resend.
	ClearOutboxAmbiguity(ctx context.Context, entryID string) error

	// ListSentSince returns rows marked sent at or after the given time,
	// ordered by notified_at ascending.
	ListSentSince(ctx context.Context, notifiedAfter time.Time, limit int) ([]domain.OutboxEntry, error)

	// FlagContractViolation records an outbox_contract_violation audit
	// event for a row the store claims was sent but the provider cannot
	// confirm. The row itself is left untouched.
	FlagContractViolation(ctx context.Context, entry *domain.OutboxEntry) error
}

// ReconcilerConfig holds configuration for the outbox reconciler.
type ReconcilerConfig struct {
	// Interval between reconciliation runs (default: 5min).
	Interval time.Duration

	// MaxStartupJitter is the maximum random delay before the first run
	// (default: 30s). Prevents thundering herd when multiple workers start
	// simultaneously.
	MaxStartupJitter time.Duration

	// Staleness is how long a row must sit ambiguous before the reconciler
	// touches it (default: 10min). Keep it above the work item lease so the
	// reconciler never races a live deliverer over a fresh attempt.
	Staleness time.Duration

	// BatchSize limits rows processed per run (default: 100).
	BatchSize int

	// LookupTimeout bounds each provider lookup (default: 15s).
	LookupTimeout time.Duration

	// VerifyWindow is how far back the sent-row verification scan reaches
	// on the first run after startup (default: 1h). Later runs resume from
	// the previous run's start time.
	VerifyWindow time.Duration
}

// DefaultReconcilerConfig returns sensible defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:         5 * time.Minute,
		MaxStartupJitter: 30 * time.Second,
		Staleness:        10 * time.Minute,
		BatchSize:        100,
		LookupTimeout:    15 * time.Second,
		VerifyWindow:     time.Hour,
	}
}

// OutboxReconciler resolves outbox rows stranded in the ambiguous window of
// send-then-mark: a worker wrote the send_attempted sentinel (or even the
// provider's notification id) and then died before marking notified_at.
//
// Resolution is always lookup-first, never a blind resend: the provider is
// asked whether the row's idempotency token was delivered. Confirmed rows
// are marked sent; unconfirmed rows have their ambiguity cleared so the next
// notify attempt may send them.
//
// Both store updates are conditional on notified_at still being null, so
// concurrent reconcilers, or a reconciler racing a deliverer, converge on
// the same outcome without an exclusive lease.
//
// Each run also verifies rows marked sent since the previous run against the
// provider. A sent row the provider cannot confirm means the send-then-mark
// ordering was violated somewhere; the row is flagged to the audit trail and
// alerted, never silently repaired.
type OutboxReconciler struct {
	store    ReconcilerStore
	provider Provider
	cfg      ReconcilerConfig

	lastVerified time.Time // start of the previous verification scan
}

// NewOutboxReconciler creates a reconciler.
func NewOutboxReconciler(store ReconcilerStore, provider Provider, cfg ReconcilerConfig) *OutboxReconciler {
	return &OutboxReconciler{store: store, provider: provider, cfg: cfg}
}

// Run starts the reconciliation loop with jittered startup.
func (r *OutboxReconciler) Run(ctx context.Context) error {
	if r.cfg.MaxStartupJitter > 0 {
		jitter := rand.N(r.cfg.MaxStartupJitter)
		slog.InfoContext(ctx, "outbox reconciler starting",
			"startup_jitter", jitter,
			"interval", r.cfg.Interval)

		timer := time.NewTimer(jitter)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := r.ReconcileOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "initial outbox reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "outbox reconciler stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "outbox reconciliation failed", "error", err)
			}
		}
	}
}

// ReconcileOnce runs a single reconciliation cycle: resolve ambiguous rows,
// then verify recently sent ones.
func (r *OutboxReconciler) ReconcileOnce(ctx context.Context) error {
	if err := r.reconcileAmbiguous(ctx); err != nil {
		return err
	}
	return r.verifySent(ctx)
}

func (r *OutboxReconciler) reconcileAmbiguous(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.cfg.Staleness)

	rows, err := r.store.ListAmbiguousOutbox(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.WarnContext(ctx, "outbox reconciliation aborted: shutdown requested")
			return nil
		}
		return fmt.Errorf("failed to list ambiguous outbox rows: %w", err)
	}
	if len(rows) == 0 {
		slog.DebugContext(ctx, "outbox reconciliation: nothing ambiguous")
		return nil
	}

	slog.InfoContext(ctx, "outbox reconciliation started",
		"rows", len(rows), "updated_before", cutoff)

	var confirmed, cleared, failed int
	for i := range rows {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "outbox reconciliation interrupted",
				"reason", ctx.Err(),
				"confirmed", confirmed,
				"cleared", cleared,
				"remaining", len(rows)-confirmed-cleared-failed)
			return nil
		default:
		}

		switch err := r.reconcileRow(ctx, &rows[i]); {
		case err == nil:
			confirmed++
		case errors.Is(err, errTokenUndelivered):
			cleared++
		default:
			failed++
			slog.WarnContext(ctx, "outbox row reconciliation failed",
				"outbox_id", rows[i].ID,
				"recipient", rows[i].Recipient,
				"error", err)
		}
	}

	slog.InfoContext(ctx, "outbox reconciliation finished",
		"confirmed_sent", confirmed,
		"cleared_for_resend", cleared,
		"failed", failed)
	return nil
}

// errTokenUndelivered is an internal marker for the cleared-for-resend path.
var errTokenUndelivered = errors.New("token not delivered")

func (r *OutboxReconciler) reconcileRow(ctx context.Context, row *domain.OutboxEntry) error {
	token := domain.NotificationToken(row.ChangelistID, row.Recipient, row.ReviewVersion)

	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	defer cancel()
	id, found, err := r.provider.Lookup(lookupCtx, token)
	if err != nil {
		return fmt.Errorf("provider lookup: %w", err)
	}

	if !found {
		if err := r.store.ClearOutboxAmbiguity(ctx, row.ID); err != nil {
			return fmt.Errorf("clear ambiguity: %w", err)
		}
		return errTokenUndelivered
	}

	if err := r.store.MarkOutboxSent(ctx, row.ID, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	slog.InfoContext(ctx, "stranded outbox row confirmed delivered",
		"outbox_id", row.ID, "recipient", row.Recipient)
	return nil
}

// verifySent asks the provider to confirm every row marked sent since the
// previous run. A row the provider cannot confirm is a send-then-mark
// contract violation: notified_at was written without provider-side
// evidence. Such rows are flagged and alerted, not repaired; delivery state
// can only be downgraded by a human who understands what happened.
func (r *OutboxReconciler) verifySent(ctx context.Context) error {
	scanStart := time.Now().UTC()
	since := r.lastVerified
	if since.IsZero() {
		since = scanStart.Add(-r.cfg.VerifyWindow)
	}

	rows, err := r.store.ListSentSince(ctx, since, r.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to list sent outbox rows: %w", err)
	}

	var violations int
	for i := range rows {
		if ctx.Err() != nil {
			return nil
		}
		row := &rows[i]
		token := domain.NotificationToken(row.ChangelistID, row.Recipient, row.ReviewVersion)

		lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
		_, found, err := r.provider.Lookup(lookupCtx, token)
		cancel()
		if err != nil {
			// Unverified, not violated; the next run retries from the
			// same lower bound.
			slog.WarnContext(ctx, "sent row verification lookup failed",
				"outbox_id", row.ID, "error", err)
			return nil
		}
		if found {
			continue
		}

		violations++
		slog.ErrorContext(ctx, "outbox contract violation: row marked sent without provider evidence",
			"outbox_id", row.ID,
			"recipient", row.Recipient,
			"changelist_id", row.ChangelistID,
			"review_version", row.ReviewVersion,
			"notification_id", row.NotificationID)
		if err := r.store.FlagContractViolation(ctx, row); err != nil {
			slog.ErrorContext(ctx, "failed to flag contract violation",
				"outbox_id", row.ID, "error", err)
			return fmt.Errorf("flag contract violation: %w", err)
		}
	}

	r.lastVerified = scanStart
	if len(rows) == r.cfg.BatchSize {
		// A full batch may have left rows behind; resume from its tail.
		if last := rows[len(rows)-1].NotifiedAt; last != nil {
			r.lastVerified = *last
		}
	}
	if violations > 0 {
		slog.ErrorContext(ctx, "sent row verification finished with violations",
			"verified", len(rows), "violations", violations)
	} else if len(rows) > 0 {
		slog.DebugContext(ctx, "sent row verification finished",
			"verified", len(rows))
	}
	return nil
}
