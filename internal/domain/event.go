package domain

import "time"

// EventType — события жизненного цикла и сообщений.
// Эфемерны: вне audit trail не персистятся.
type EventType string

const (
	EventRequested           EventType = "requested"
	EventApproved            EventType = "approved"
	EventRejected            EventType = "rejected"
	EventStarted             EventType = "started"
	EventPaused              EventType = "paused"
	EventResumed             EventType = "resumed"
	EventEnded               EventType = "ended"
	EventComplianceViolation EventType = "compliance_violation"

	EventMessageSubmitted EventType = "message_submitted"
	EventMessageGated     EventType = "message_gated"
	EventMessageApproved  EventType = "message_approved"
	EventMessageRejected  EventType = "message_rejected"
	EventMessageProcessed EventType = "message_processed"
)

type SessionEvent struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Lifecycle отделяет события жизненного цикла от message-событий
// (у шины два логических канала).
func (t EventType) Lifecycle() bool {
	switch t {
	case EventRequested, EventApproved, EventRejected, EventStarted,
		EventPaused, EventResumed, EventEnded, EventComplianceViolation:
		return true
	}
	return false
}
