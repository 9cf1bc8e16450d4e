package domain

import "time"

// AuditEvent is one row of the append-only operational trail. Detail is
// JSON and must already be redacted by the writer.
type AuditEvent struct {
	ID           string
	OccurredAt   time.Time
	Kind         AuditKind
	JobID        *string
	WorkID       *string
	DeadLetterID *string
	Actor        string // worker id, "dispatch", or an operator id
	Detail       []byte
}

// AuditKind names the event being recorded.
// Value object - immutable string enum.
type AuditKind string

const (
	AuditJobCreated         AuditKind = "job_created"
	AuditRerunAllowed       AuditKind = "rerun_allowed"
	AuditRerunBlocked       AuditKind = "rerun_blocked"
	AuditWorkQueueSweep     AuditKind = "work_queue_sweep"
	AuditDeadLetterCreated  AuditKind = "dead_letter_created"
	AuditDeadLetterResolved AuditKind = "dead_letter_resolved"
	AuditEvidenceAttached   AuditKind = "evidence_attached"
	AuditReplayStarted      AuditKind = "replay_started"
	AuditReplayResolved     AuditKind = "replay_resolved"
	AuditReplayFailed       AuditKind = "replay_failed"
	AuditReplayEscalated    AuditKind = "replay_escalated"
	AuditOutboxViolation    AuditKind = "outbox_contract_violation"
	AuditAllowlistDenied    AuditKind = "allowlist_denied"
)
