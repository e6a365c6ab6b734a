package models

import "time"

type EventStatus string

const (
	EventStatusProcessing EventStatus = "processing"
	EventStatusOK         EventStatus = "ok"
	EventStatusIgnored    EventStatus = "ignored"
	EventStatusError      EventStatus = "error"
)

// Outcome reason taxonomy for ProcessedPaymentEvent. Business conditions
// (ignored) are kept distinct from faults (error) so alerting never fires
// on events that merely don't concern us.
const (
	ReasonApplied          = "applied"
	ReasonDuplicateEvent   = "duplicate_event"
	ReasonUnknownEventType = "unknown_event_type"
	ReasonUnknownUser      = "unknown_user"
	ReasonUnknownPrice     = "unknown_price"
	ReasonUnknownPack      = "unknown_pack"
	ReasonUnpaidSession    = "unpaid_session"
	ReasonMissingMetadata  = "missing_metadata"
	ReasonMalformedPayload = "malformed_payload"
	ReasonApplyFailed      = "apply_failed"
)

// ProcessedPaymentEvent is the dedup ledger for provider webhooks. A row is
// inserted optimistically before processing; an insert conflict on EventID
// means the event was already seen and the webhook can be acknowledged
// without touching the credit ledger. The row is updated in place with the
// terminal outcome so reconciliation is auditable without replaying
// provider logs.
type ProcessedPaymentEvent struct {
	ID        uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID   string      `gorm:"uniqueIndex;not null" json:"event_id"`
	EventType string      `gorm:"index" json:"event_type"`
	Status    EventStatus `gorm:"index;not null;default:processing" json:"status"`
	Reason    string      `json:"reason,omitempty"`
	UserID    string      `gorm:"index" json:"user_id,omitempty"`
	// Details carries a structured diagnostic payload as JSON.
	Details     string     `json:"details,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}
