package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/guestgate-engine/internal/audit"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"github.com/xela07ax/guestgate-engine/internal/permission"
	"go.uber.org/zap"
)

// MessageInput — входящее сообщение участника сессии
type MessageInput struct {
	Sender  string             `json:"sender"`
	Role    domain.SenderRole  `json:"role"`
	Content string             `json:"content"`
	Type    domain.MessageType `json:"type"`
	Action  string             `json:"action,omitempty"` // Capability-строка; пусто = "chat"
}

// SubmitMessage проводит сообщение через Permission Model и Approval Gate.
// Гейченное сообщение повисает PENDING до решения хоста; остальные уходят
// downstream немедленно. Возвращает флаг гейтинга.
func (r *Registry) SubmitMessage(ctx context.Context, sessionID string, in MessageInput) (*domain.GuestMessage, bool, error) {
	rec, ok := r.record(sessionID)
	if !ok {
		return nil, false, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	if s.Status != domain.SessionActive {
		return nil, false, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, domain.ErrInvalidState)
	}

	now := r.now()
	action := in.Action
	if action == "" {
		action = "chat"
	}

	// Права проверяем только для гостевой стороны: host/system вне гейтинга
	forceGate := false
	if in.Role == domain.RoleGuest || in.Role == domain.RoleAgent {
		switch r.checker.Check(s, action, now) {
		case permission.DecisionDenied:
			return nil, false, fmt.Errorf("action %q in session %s: %w", action, sessionID, domain.ErrPermissionDenied)
		case permission.DecisionRequiresApproval:
			forceGate = true
		}
	}

	msg := &domain.GuestMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sender:    in.Sender,
		Role:      in.Role,
		Content:   in.Content,
		Type:      in.Type,
		Action:    action,
		Timestamp: now,
	}

	gated, err := r.gate.Submit(ctx, s, msg, forceGate)
	if err != nil {
		return nil, false, err
	}

	s.Metadata.MessageCount++
	if gated {
		s.Metadata.GatedCount++
	} else {
		r.countUse(s, action)
	}
	s.Touch(now)

	if err := r.persistLocked(ctx, s); err != nil {
		// Сообщение гейт уже сохранил; счетчики догонит следующая
		// успешная запись сессии
		r.logger.Warn("failed to persist session counters",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	r.auditor.Log(audit.Entry{
		ID: uuid.New().String(), SessionID: sessionID,
		Event: string(domain.EventMessageSubmitted), Actor: in.Sender,
		Status:  string(s.Status),
		Details: map[string]interface{}{"message_id": msg.ID, "gated": gated},
	})
	r.events.Publish(domain.SessionEvent{
		Type: domain.EventMessageSubmitted, SessionID: sessionID, Timestamp: now,
		Payload: map[string]interface{}{"message_id": msg.ID, "gated": gated},
	})

	cp := *msg
	return &cp, gated, nil
}

// ApproveMessage — подпись хоста: сообщение снимается с очереди и уходит
// downstream в порядке апрувов. Валидно только на active-сессии
// (очередь paused/завершенной сессии считается брошенной).
func (r *Registry) ApproveMessage(ctx context.Context, sessionID, messageID, approverID string) (*domain.GuestMessage, error) {
	rec, ok := r.record(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	if s.Status != domain.SessionActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, domain.ErrInvalidState)
	}

	msg, err := r.gate.Approve(ctx, s, messageID, approverID)
	if err != nil {
		return msg, err
	}

	s.Metadata.ApprovedCount++
	r.countUse(s, msg.Action)
	s.Touch(r.now())
	if perr := r.persistLocked(ctx, s); perr != nil {
		r.logger.Warn("failed to persist session counters",
			zap.String("session_id", sessionID), zap.Error(perr))
	}
	return msg, nil
}

// RejectMessage оставляет сообщение терминальным в истории, downstream
// оно не попадает
func (r *Registry) RejectMessage(ctx context.Context, sessionID, messageID, approverID string) (*domain.GuestMessage, error) {
	rec, ok := r.record(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	if s.Status != domain.SessionActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, domain.ErrInvalidState)
	}

	msg, err := r.gate.Reject(ctx, s, messageID, approverID)
	if err != nil {
		return msg, err
	}

	s.Metadata.RejectedCount++
	s.Touch(r.now())
	if perr := r.persistLocked(ctx, s); perr != nil {
		r.logger.Warn("failed to persist session counters",
			zap.String("session_id", sessionID), zap.Error(perr))
	}
	return msg, nil
}

// PendingMessages — очередь сообщений сессии, ожидающих решения
func (r *Registry) PendingMessages(sessionID string) ([]*domain.GuestMessage, error) {
	if _, ok := r.record(sessionID); !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return r.gate.Pending(sessionID), nil
}

// MessageHistory — все сообщения сессии в порядке поступления
func (r *Registry) MessageHistory(sessionID string) []*domain.GuestMessage {
	return r.gate.History(sessionID)
}

// countUse фиксирует примененное действие (для usage_limit ограничений)
func (r *Registry) countUse(s *domain.Session, action string) {
	if s.Metadata.ActionUses == nil {
		s.Metadata.ActionUses = make(map[string]int)
	}
	s.Metadata.ActionUses[action]++
}
