package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

func ambiguousRow(id string) domain.OutboxEntry {
	sentinel := domain.SendAttemptedSentinel
	return domain.OutboxEntry{
		ID:            id,
		JobID:         "job-1",
		ChangelistID:  42,
		Recipient:     "alice",
		ReviewVersion: 3,
		Status:        domain.OutboxStatusPending,
		LastError:     &sentinel,
	}
}

func TestReconcileOnce_ConfirmsDeliveredRow(t *testing.T) {
	store := &mockOutboxStore{
		listAmbiguousOutboxFunc: func(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.OutboxEntry, error) {
			return []domain.OutboxEntry{ambiguousRow("ob-1")}, nil
		},
	}
	var marked string
	store.markOutboxSentFunc = func(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error {
		marked = notificationID
		return nil
	}
	store.clearOutboxAmbiguityFunc = func(ctx context.Context, entryID string) error {
		t.Error("a delivered token must not be cleared for resend")
		return nil
	}
	provider := &mockProvider{
		lookupFunc: func(ctx context.Context, token string) (string, bool, error) {
			if token != domain.NotificationToken(42, "alice", 3) {
				t.Errorf("unexpected token %q", token)
			}
			return "notif-found", true, nil
		},
	}
	r := NewOutboxReconciler(store, provider, DefaultReconcilerConfig())

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if marked != "notif-found" {
		t.Errorf("expected row marked sent with provider id, got %q", marked)
	}
}

func TestReconcileOnce_ClearsUndeliveredRow(t *testing.T) {
	store := &mockOutboxStore{
		listAmbiguousOutboxFunc: func(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.OutboxEntry, error) {
			return []domain.OutboxEntry{ambiguousRow("ob-1")}, nil
		},
		markOutboxSentFunc: func(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error {
			t.Error("an undelivered token must not be marked sent")
			return nil
		},
	}
	var cleared string
	store.clearOutboxAmbiguityFunc = func(ctx context.Context, entryID string) error {
		cleared = entryID
		return nil
	}
	provider := &mockProvider{
		lookupFunc: func(ctx context.Context, token string) (string, bool, error) {
			return "", false, nil
		},
	}
	r := NewOutboxReconciler(store, provider, DefaultReconcilerConfig())

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleared != "ob-1" {
		t.Errorf("expected ob-1 cleared for resend, got %q", cleared)
	}
}

func TestReconcileOnce_LookupFailureLeavesRowAmbiguous(t *testing.T) {
	store := &mockOutboxStore{
		listAmbiguousOutboxFunc: func(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.OutboxEntry, error) {
			return []domain.OutboxEntry{ambiguousRow("ob-1")}, nil
		},
		markOutboxSentFunc: func(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error {
			t.Error("row must stay untouched when the lookup fails")
			return nil
		},
		clearOutboxAmbiguityFunc: func(ctx context.Context, entryID string) error {
			t.Error("row must stay untouched when the lookup fails")
			return nil
		},
	}
	provider := &mockProvider{
		lookupFunc: func(ctx context.Context, token string) (string, bool, error) {
			return "", false, errors.New("provider unreachable")
		},
	}
	r := NewOutboxReconciler(store, provider, DefaultReconcilerConfig())

	// Per-row failures are logged and skipped; the run itself succeeds.
	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReconcileOnce_NothingAmbiguous(t *testing.T) {
	store := &mockOutboxStore{}
	provider := &mockProvider{
		lookupFunc: func(ctx context.Context, token string) (string, bool, error) {
			t.Error("no lookup expected when nothing is ambiguous")
			return "", false, nil
		},
	}
	r := NewOutboxReconciler(store, provider, DefaultReconcilerConfig())

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func sentRow(id string) domain.OutboxEntry {
	notifID := "notif-" + id
	at := time.Now().UTC().Add(-time.Minute)
	return domain.OutboxEntry{
		ID:             id,
		JobID:          "job-1",
		ChangelistID:   42,
		Recipient:      "alice",
		ReviewVersion:  3,
		Status:         domain.OutboxStatusSent,
		NotificationID: &notifID,
		NotifiedAt:     &at,
	}
}

func TestVerifySent_FlagsRowWithoutProviderEvidence(t *testing.T) {
	var flagged *domain.OutboxEntry
	store := &mockOutboxStore{
		listSentSinceFunc: func(ctx context.Context, notifiedAfter time.Time, limit int) ([]domain.OutboxEntry, error) {
			return []domain.OutboxEntry{sentRow("ob-1")}, nil
		},
		flagViolationFunc: func(ctx context.Context, entry *domain.OutboxEntry) error {
			flagged = entry
			return nil
		},
		markOutboxSentFunc: func(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error {
			t.Error("a violated row must not be rewritten")
			return nil
		},
		clearOutboxAmbiguityFunc: func(ctx context.Context, entryID string) error {
			t.Error("a violated row must not be cleared for resend")
			return nil
		},
	}
	provider := &mockProvider{
		lookupFunc: func(ctx context.Context, token string) (string, bool, error) {
			return "", false, nil
		},
	}
	r := NewOutboxReconciler(store, provider, DefaultReconcilerConfig())

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flagged == nil || flagged.ID != "ob-1" {
		t.Fatalf("expected ob-1 flagged as contract violation, got %+v", flagged)
	}
}

func TestVerifySent_ConfirmedRowPasses(t *testing.T) {
	store := &mockOutboxStore{
		listSentSinceFunc: func(ctx context.Context, notifiedAfter time.Time, limit int) ([]domain.OutboxEntry, error) {
			return []domain.OutboxEntry{sentRow("ob-1")}, nil
		},
		flagViolationFunc: func(ctx context.Context, entry *domain.OutboxEntry) error {
			t.Error("a confirmed row must not be flagged")
			return nil
		},
	}
	provider := &mockProvider{
		lookupFunc: func(ctx context.Context, token string) (string, bool, error) {
			return "notif-ob-1", true, nil
		},
	}
	r := NewOutboxReconciler(store, provider, DefaultReconcilerConfig())

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifySent_ResumesFromPreviousRun(t *testing.T) {
	var bounds []time.Time
	store := &mockOutboxStore{
		listSentSinceFunc: func(ctx context.Context, notifiedAfter time.Time, limit int) ([]domain.OutboxEntry, error) {
			bounds = append(bounds, notifiedAfter)
			return nil, nil
		},
	}
	r := NewOutboxReconciler(store, &mockProvider{}, DefaultReconcilerConfig())

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bounds) != 2 {
		t.Fatalf("expected 2 verification scans, got %d", len(bounds))
	}
	// First scan reaches back the full window; the second resumes from the
	// first scan's start.
	if !bounds[1].After(bounds[0]) {
		t.Errorf("second scan lower bound %v is not after first %v", bounds[1], bounds[0])
	}
}

func TestSweepOnce_RequeuesExpiredLeases(t *testing.T) {
	var gotLimit int
	coord := &mockCoordinator{
		requeueExpiredLeasesFunc: func(ctx context.Context, limit int) (int, error) {
			gotLimit = limit
			return 3, nil
		},
	}
	s := NewSweeper(coord, DefaultSweeperConfig())

	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLimit != DefaultSweeperConfig().BatchSize {
		t.Errorf("expected batch size %d, got %d", DefaultSweeperConfig().BatchSize, gotLimit)
	}
}

func TestSweepOnce_SurfacesStoreErrors(t *testing.T) {
	coord := &mockCoordinator{
		requeueExpiredLeasesFunc: func(ctx context.Context, limit int) (int, error) {
			return 0, errors.New("deadlock detected")
		},
	}
	s := NewSweeper(coord, DefaultSweeperConfig())

	if err := s.SweepOnce(context.Background()); err == nil {
		t.Fatal("expected the store error to surface")
	}
}
