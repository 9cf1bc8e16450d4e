package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// OutboxEntry is a durable per-recipient delivery intent, unique on
// (changelist_id, recipient, review_version).
//
// Send-then-mark: NotificationID records provider acknowledgment and is
// written before or together with NotifiedAt, never after. A row with
// NotifiedAt set is finished. A row with NotificationID set but NotifiedAt
// null is ambiguous and must go through provider reconciliation, never a
// blind resend.
type OutboxEntry struct {
	ID            string
	JobID         string
	ChangelistID  int64
	Recipient     string
	ReviewVersion int
	Status        OutboxStatus

	NotificationID *string // provider message id
	NotifiedAt     *time.Time

	AttemptCount int
	LastError    *string // redacted

	UpdatedAt time.Time
}

// OutboxStatus represents the delivery state of an outbox entry.
// Value object - immutable string enum.
type OutboxStatus string

const (
	OutboxStatusPending         OutboxStatus = "pending"
	OutboxStatusSent            OutboxStatus = "sent"
	OutboxStatusFailedPermanent OutboxStatus = "failed_permanent"
)

// SendAttemptedSentinel is written to LastError immediately before calling
// the provider. A row still carrying it with NotifiedAt null may or may not
// have reached the provider; reconciliation resolves it via lookup.
const SendAttemptedSentinel = "send_attempted"

// NotificationToken derives the deterministic provider idempotency token for
// an outbox key. Replaying the same token must yield the same provider
// message id, which is what makes retries safe.
func NotificationToken(changelistID int64, recipient string, reviewVersion int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%d", changelistID, recipient, reviewVersion))
	return hex.EncodeToString(sum[:])
}
