package domain

import "time"

type SenderRole string

const (
	RoleGuest  SenderRole = "guest"
	RoleAgent  SenderRole = "agent"
	RoleHost   SenderRole = "host"
	RoleSystem SenderRole = "system"
)

type MessageType string

const (
	MessageChat   MessageType = "chat"
	MessageAction MessageType = "action" // Несет эффект против ресурса, может требовать HITL
	MessageSystem MessageType = "system"
)

// Статусы апрува сообщения. Пустой статус — сообщение не гейтилось.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// GuestMessage — сообщение внутри сессии. После резолва апрува иммутабельно:
// pending -> approved|rejected ровно один раз.
type GuestMessage struct {
	ID        string      `json:"id"` // UUID
	SessionID string      `json:"session_id"`
	Sender    string      `json:"sender"`
	Role      SenderRole  `json:"role"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Action    string      `json:"action,omitempty"` // Capability-строка для permission check, например "repo.file.write"
	Timestamp time.Time   `json:"timestamp"`

	ApprovalStatus ApprovalStatus `json:"approval_status,omitempty"`
	ReviewerID     *string        `json:"reviewer_id,omitempty"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
}

// CanResolve проверяет, что решение по сообщению еще не принято
func (m *GuestMessage) CanResolve() error {
	if m.ApprovalStatus != ApprovalPending {
		return ErrAlreadyProcessed
	}
	return nil
}
