package domain

import (
	"time"
)

// Статусы State Machine сессии гостевого доступа
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"   // Ожидает решения хоста
	SessionActive    SessionStatus = "active"    // Гость работает с ресурсом
	SessionPaused    SessionStatus = "paused"    // Приостановлена хостом или системой
	SessionRejected  SessionStatus = "rejected"  // Хост отклонил запрос
	SessionCompleted SessionStatus = "completed" // Завершена (явно или фоновым монитором)
	SessionExpired   SessionStatus = "expired"   // Запрос протух без решения
)

// IsTerminal — терминальные статусы: из них переходов нет
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionRejected, SessionCompleted, SessionExpired:
		return true
	}
	return false
}

// EndReason фиксируется в метаданных при терминальном переходе
type EndReason string

const (
	ReasonHostEnded           EndReason = "host_ended"
	ReasonGuestEnded          EndReason = "guest_ended"
	ReasonInactivityTimeout   EndReason = "inactivity_timeout"
	ReasonDurationExceeded    EndReason = "duration_exceeded"
	ReasonComplianceViolation EndReason = "compliance_violation"
	ReasonRequestExpired      EndReason = "request_expired"
)

// transitions — таблица разрешенных переходов.
// Статус движется только вперед, исключение — пара active<->paused.
var transitions = map[SessionStatus][]SessionStatus{
	SessionPending: {SessionActive, SessionRejected, SessionExpired},
	SessionActive:  {SessionPaused, SessionCompleted},
	SessionPaused:  {SessionActive, SessionCompleted},
}

// SessionSettings — лимиты и политика апрува, задаются хостом при одобрении
type SessionSettings struct {
	MaxDuration             time.Duration `json:"max_duration"`               // Потолок длительности active-фазы
	AutoEndOnInactivity     time.Duration `json:"auto_end_on_inactivity"`     // Порог простоя для watchdog
	RequireApprovalForTools bool          `json:"require_approval_for_tools"` // Tool-действия идут через HITL
	RestrictedTopics        []string      `json:"restricted_topics"`          // Substring-матчи, требующие апрува
}

// SessionMetadata — счетчики и флаги, мутируются только реестром и мониторами
type SessionMetadata struct {
	MessageCount    int              `json:"message_count"`
	GatedCount      int              `json:"gated_count"`
	ApprovedCount   int              `json:"approved_count"`
	RejectedCount   int              `json:"rejected_count"`
	ActionUses      map[string]int   `json:"action_uses,omitempty"` // Для usage_limit: счетчик примененных действий
	ComplianceFlags []ComplianceFlag `json:"compliance_flags,omitempty"`
	EndReason       EndReason        `json:"end_reason,omitempty"`
}

// Session — каноническая запись надзорной гостевой сессии.
// Инвариант: не более одной pending/active/paused сессии на пару (guest, resource).
type Session struct {
	ID         string        `json:"id"` // UUID
	HostID     string        `json:"host_id"`
	HostName   string        `json:"host_name"`
	GuestID    string        `json:"guest_id"`
	GuestName  string        `json:"guest_name"`
	ResourceID string        `json:"resource_id"`
	Status     SessionStatus `json:"status"`
	Purpose    string        `json:"purpose"` // Зачем гость просит доступ

	Permissions []Permission    `json:"permissions"`
	Settings    SessionSettings `json:"settings"`
	Metadata    SessionMetadata `json:"metadata"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

// CanTransitionTo проверяет правила конечного автомата
func (s *Session) CanTransitionTo(next SessionStatus) error {
	if s.Status.IsTerminal() {
		return ErrAlreadyProcessed
	}
	for _, allowed := range transitions[s.Status] {
		if allowed == next {
			return nil
		}
	}
	return ErrInvalidState
}

// Touch продвигает lastActivity. Монотонность: назад время не откатываем,
// даже если вызовы пришли не по порядку.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// ActiveElapsed — сколько сессия провела в работе (для duration cap)
func (s *Session) ActiveElapsed(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.StartedAt)
}

// PairKey — ключ индекса уникальности (guest, resource)
func (s *Session) PairKey() string {
	return s.GuestID + ":" + s.ResourceID
}

// Clone возвращает независимую копию для фоновых мониторов,
// чтобы oracle работал со снапшотом вне блокировки сессии.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Permissions = append([]Permission(nil), s.Permissions...)
	cp.Settings.RestrictedTopics = append([]string(nil), s.Settings.RestrictedTopics...)
	cp.Metadata.ComplianceFlags = append([]ComplianceFlag(nil), s.Metadata.ComplianceFlags...)
	if s.Metadata.ActionUses != nil {
		uses := make(map[string]int, len(s.Metadata.ActionUses))
		for k, v := range s.Metadata.ActionUses {
			uses[k] = v
		}
		cp.Metadata.ActionUses = uses
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
