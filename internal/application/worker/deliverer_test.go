package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/domain"
	"github.com/reviewpipe/reviewpipe/internal/redact"
)

func newTestDeliverer(store OutboxStore, provider Provider) *Deliverer {
	return NewDeliverer(store, provider, redact.New(), time.Second)
}

func pendingRow(id, recipient string) domain.OutboxEntry {
	return domain.OutboxEntry{
		ID:            id,
		JobID:         "job-1",
		ChangelistID:  42,
		Recipient:     recipient,
		ReviewVersion: 3,
		Status:        domain.OutboxStatusPending,
	}
}

func notifyPayloadFixture() domain.NotifyPayload {
	return domain.NotifyPayload{
		ChangelistID:  42,
		ReviewVersion: 3,
		ResultRef:     "jobs/job-1/result.json",
		Summary:       "one finding",
		FindingCount:  1,
	}
}

func TestDeliverPending_SendThenMarkOrder(t *testing.T) {
	var calls []string
	store := &mockOutboxStore{
		listOutboxFunc: func(ctx context.Context, jobID string) ([]domain.OutboxEntry, error) {
			return []domain.OutboxEntry{pendingRow("ob-1", "alice")}, nil
		},
		recordOutboxAttemptFunc: func(ctx context.Context, entryID, lastError string) error {
			calls = append(calls, "attempt:"+lastError)
			return nil
		},
		markOutboxSentFunc: func(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error {
			calls = append(calls, "mark:"+notificationID)
			return nil
		},
	}
	provider := &mockProvider{
		sendFunc: func(ctx context.Context, n Notification) (string, error) {
			calls = append(calls, "send:"+n.Recipient)
			return "notif-1", nil
		},
	}
	d := newTestDeliverer(store, provider)

	report, err := d.DeliverPending(context.Background(), "job-1", notifyPayloadFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Delivered != 1 {
		t.Errorf("expected 1 delivered, got %+v", report)
	}

	want := []string{"attempt:" + domain.SendAttemptedSentinel, "send:alice", "mark:notif-1"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], calls[i])
		}
	}
}

func TestDeliverPending_SkipsAlreadyNotified(t *testing.T) {
	notified := time.Now().UTC()
	id := "notif-old"
	store := &mockOutboxStore{
		listOutboxFunc: func(ctx context.Context, jobID string) ([]domain.OutboxEntry, error) {
			row := pendingRow("ob-1", "alice")
			row.Status = domain.OutboxStatusSent
			row.NotificationID = &id
			row.NotifiedAt = &notified
			return []domain.OutboxEntry{row}, nil
		},
	}
	provider := &mockProvider{
		sendFunc: func(ctx context.Context, n Notification) (string, error) {
			t.Error("a notified row must never be resent")
			return "", nil
		},
	}
	d := newTestDeliverer(store, provider)

	report, err := d.DeliverPending(context.Background(), "job-1", notifyPayloadFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.AlreadySent != 1 || report.Delivered != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestDeliverPending_AmbiguousRowReconciledNotResent(t *testing.T) {
	// A crash after send left the provider id on the row but no notified_at.
	id := "notif-ghost"
	store := &mockOutboxStore{
		listOutboxFunc: func(ctx context.Context, jobID string) ([]domain.OutboxEntry, error) {
			row := pendingRow("ob-1", "alice")
			row.NotificationID = &id
			return []domain.OutboxEntry{row}, nil
		},
	}
	var marked string
	store.markOutboxSentFunc = func(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error {
		marked = notificationID
		return nil
	}
	provider := &mockProvider{
		sendFunc: func(ctx context.Context, n Notification) (string, error) {
			t.Error("ambiguous rows must be reconciled by lookup, never blindly resent")
			return "", nil
		},
		lookupFunc: func(ctx context.Context, token string) (string, bool, error) {
			want := domain.NotificationToken(42, "alice", 3)
			if token != want {
				t.Errorf("expected lookup of token %q, got %q", want, token)
			}
			return "notif-ghost", true, nil
		},
	}
	d := newTestDeliverer(store, provider)

	report, err := d.DeliverPending(context.Background(), "job-1", notifyPayloadFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Reconciled != 1 {
		t.Errorf("expected 1 reconciled, got %+v", report)
	}
	if marked != "notif-ghost" {
		t.Errorf("expected row marked with provider id, got %q", marked)
	}
}

func TestDeliverPending_SentinelRowUndeliveredIsResent(t *testing.T) {
	// A crash before the send landed: sentinel present, provider has nothing.
	sentinel := domain.SendAttemptedSentinel
	store := &mockOutboxStore{
		listOutboxFunc: func(ctx context.Context, jobID string) ([]domain.OutboxEntry, error) {
			row := pendingRow("ob-1", "alice")
			row.LastError = &sentinel
			return []domain.OutboxEntry{row}, nil
		},
	}
	var sent bool
	provider := &mockProvider{
		lookupFunc: func(ctx context.Context, token string) (string, bool, error) {
			return "", false, nil
		},
		sendFunc: func(ctx context.Context, n Notification) (string, error) {
			sent = true
			return "notif-2", nil
		},
	}
	d := newTestDeliverer(store, provider)

	report, err := d.DeliverPending(context.Background(), "job-1", notifyPayloadFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sent {
		t.Error("an undelivered token must be resent")
	}
	if report.Delivered != 1 || report.Reconciled != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestDeliverPending_PermanentFailureParksRowAndContinues(t *testing.T) {
	store := &mockOutboxStore{
		listOutboxFunc: func(ctx context.Context, jobID string) ([]domain.OutboxEntry, error) {
			return []domain.OutboxEntry{
				pendingRow("ob-1", "alice"),
				pendingRow("ob-2", "bob"),
			}, nil
		},
	}
	var parkedID, parkedErr string
	store.markOutboxFailedFunc = func(ctx context.Context, entryID, lastError string) error {
		parkedID = entryID
		parkedErr = lastError
		return nil
	}
	provider := &mockProvider{
		sendFunc: func(ctx context.Context, n Notification) (string, error) {
			if n.Recipient == "alice" {
				return "", NewClassified(domain.ErrorClassNotFoundPermanent,
					errors.New("no such recipient"))
			}
			return "notif-bob", nil
		},
	}
	d := newTestDeliverer(store, provider)

	report, err := d.DeliverPending(context.Background(), "job-1", notifyPayloadFixture())
	if err != nil {
		t.Fatalf("permanent failures are reported, not returned: %v", err)
	}
	if report.PermanentFailures != 1 {
		t.Errorf("expected 1 permanent failure, got %+v", report)
	}
	if report.PermanentClass != domain.ErrorClassNotFoundPermanent {
		t.Errorf("expected NOT_FOUND_PERMANENT, got %s", report.PermanentClass)
	}
	if report.Delivered != 1 {
		t.Errorf("one bad recipient must not starve the rest: %+v", report)
	}
	if parkedID != "ob-1" {
		t.Errorf("expected ob-1 parked, got %q", parkedID)
	}
	if parkedErr == "" {
		t.Error("expected a recorded failure reason")
	}
}

func TestDeliverPending_RetryableFailureReturnedAfterFullPass(t *testing.T) {
	store := &mockOutboxStore{
		listOutboxFunc: func(ctx context.Context, jobID string) ([]domain.OutboxEntry, error) {
			return []domain.OutboxEntry{
				pendingRow("ob-1", "alice"),
				pendingRow("ob-2", "bob"),
			}, nil
		},
	}
	attempts := map[string][]string{}
	store.recordOutboxAttemptFunc = func(ctx context.Context, entryID, lastError string) error {
		attempts[entryID] = append(attempts[entryID], lastError)
		return nil
	}
	provider := &mockProvider{
		sendFunc: func(ctx context.Context, n Notification) (string, error) {
			if n.Recipient == "alice" {
				return "", NewClassified(domain.ErrorClassUpstream5xx,
					errors.New("provider 503"))
			}
			return "notif-bob", nil
		},
	}
	d := newTestDeliverer(store, provider)

	report, err := d.DeliverPending(context.Background(), "job-1", notifyPayloadFixture())
	if err == nil {
		t.Fatal("expected the retryable failure to surface after the pass")
	}
	if Classify(err) != domain.ErrorClassUpstream5xx {
		t.Errorf("expected UPSTREAM_5XX, got %s", Classify(err))
	}
	if report.Delivered != 1 {
		t.Errorf("the healthy recipient must still be delivered: %+v", report)
	}
	// Sentinel before the call, the redacted failure after it.
	if got := attempts["ob-1"]; len(got) != 2 || got[0] != domain.SendAttemptedSentinel {
		t.Errorf("unexpected attempt trail for ob-1: %v", got)
	}
}

func TestDeliverPending_MarkFailureAbortsPass(t *testing.T) {
	store := &mockOutboxStore{
		listOutboxFunc: func(ctx context.Context, jobID string) ([]domain.OutboxEntry, error) {
			return []domain.OutboxEntry{
				pendingRow("ob-1", "alice"),
				pendingRow("ob-2", "bob"),
			}, nil
		},
		markOutboxSentFunc: func(ctx context.Context, entryID, notificationID string, notifiedAt time.Time) error {
			return errors.New("connection lost")
		},
	}
	var sends int
	provider := &mockProvider{
		sendFunc: func(ctx context.Context, n Notification) (string, error) {
			sends++
			return "notif", nil
		},
	}
	d := newTestDeliverer(store, provider)

	_, err := d.DeliverPending(context.Background(), "job-1", notifyPayloadFixture())
	if err == nil {
		t.Fatal("a store failure must abort the pass")
	}
	if sends != 1 {
		t.Errorf("expected the pass to stop at the first store failure, got %d sends", sends)
	}
}
