package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/guestgate-engine/internal/audit"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"github.com/xela07ax/guestgate-engine/internal/infra"
	"github.com/xela07ax/guestgate-engine/internal/permission"
	"github.com/xela07ax/guestgate-engine/internal/store"
	"go.uber.org/zap"
)

// Processor — downstream-исполнитель одобренного/негейченного сообщения.
// Ядро гарантирует только гейтинг и порядок, не семантику исполнения.
type Processor interface {
	Process(ctx context.Context, msg *domain.GuestMessage) error
}

// Notifier — fire-and-forget доставка system-сообщений
type Notifier interface {
	SendSystemMessage(ctx context.Context, userID, text string)
}

// EventPublisher — выход в шину событий сессии
type EventPublisher interface {
	Publish(evt domain.SessionEvent)
}

// Gate — шлюз апрува: per-session FIFO очередь сообщений, ожидающих
// подписи хоста. Негейченные сообщения уходят в processor немедленно
// (submission order); гейченные — в момент решения (approval order).
type Gate struct {
	mu      sync.Mutex
	queues  map[string][]string             // sessionID -> FIFO id'шников pending сообщений
	byID    map[string]*domain.GuestMessage // id -> сообщение
	history map[string][]string             // sessionID -> все id в порядке поступления

	processor Processor
	notifier  Notifier
	events    EventPublisher
	kv        store.Store
	auditor   audit.Auditor
	logger    *zap.Logger
	now       func() time.Time
}

func NewGate(processor Processor, notifier Notifier, events EventPublisher, kv store.Store, auditor audit.Auditor, logger *zap.Logger) *Gate {
	return &Gate{
		queues:    make(map[string][]string),
		byID:      make(map[string]*domain.GuestMessage),
		history:   make(map[string][]string),
		processor: processor,
		notifier:  notifier,
		events:    events,
		kv:        kv,
		auditor:   auditor,
		logger:    logger.Named("approval-gate"),
		now:       time.Now,
	}
}

// SetClock подменяет источник времени (для симуляции в тестах)
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// RequiresApproval — OR tool-эвристики и substring-матча по restricted topics
func (g *Gate) RequiresApproval(content string, s *domain.Session) bool {
	return permission.Gated(content, s.Settings)
}

// Submit принимает сообщение. forceGate выставляет реестр по результату
// permission check (requiresApproval). Гейченное сообщение сохраняется со
// статусом PENDING, хост получает уведомление, эффект НЕ применяется.
// Вызывается под блокировкой сессии в реестре.
func (g *Gate) Submit(ctx context.Context, s *domain.Session, msg *domain.GuestMessage, forceGate bool) (bool, error) {
	gated := forceGate || g.RequiresApproval(msg.Content, s)

	g.mu.Lock()
	if gated {
		msg.ApprovalStatus = domain.ApprovalPending
		g.queues[s.ID] = append(g.queues[s.ID], msg.ID)
	}
	g.byID[msg.ID] = msg
	g.history[s.ID] = append(g.history[s.ID], msg.ID)
	g.mu.Unlock()

	if err := g.persist(ctx, msg); err != nil {
		// Откат in-memory состояния: операция провалилась целиком
		g.forget(s.ID, msg.ID)
		return false, err
	}

	if gated {
		g.notifier.SendSystemMessage(ctx, s.HostID,
			fmt.Sprintf("Guest message in session %s requires your approval", s.ID))
		g.events.Publish(domain.SessionEvent{
			Type: domain.EventMessageGated, SessionID: s.ID, Timestamp: g.now(),
			Payload: map[string]interface{}{"message_id": msg.ID},
		})
		g.auditor.Log(audit.Entry{
			SessionID: s.ID, Event: string(domain.EventMessageGated),
			Actor: msg.Sender, Details: map[string]interface{}{"message_id": msg.ID},
		})
		return true, nil
	}

	// Негейченный путь: немедленная обработка в порядке поступления
	if err := g.process(ctx, s, msg); err != nil {
		return false, err
	}
	return false, nil
}

// Approve снимает сообщение с очереди, штампует решение и отдает его
// downstream. Порядок доставки гейченных сообщений = порядок апрувов.
func (g *Gate) Approve(ctx context.Context, s *domain.Session, msgID, approverID string) (*domain.GuestMessage, error) {
	msg, err := g.resolve(s.ID, msgID, domain.ApprovalApproved, approverID)
	if err != nil {
		return nil, err
	}

	if err := g.persist(ctx, msg); err != nil {
		return nil, err
	}

	g.events.Publish(domain.SessionEvent{
		Type: domain.EventMessageApproved, SessionID: s.ID, Timestamp: g.now(),
		Payload: map[string]interface{}{"message_id": msg.ID, "approver": approverID},
	})
	g.auditor.Log(audit.Entry{
		SessionID: s.ID, Event: string(domain.EventMessageApproved),
		Actor: approverID, Details: map[string]interface{}{"message_id": msg.ID},
	})

	if err := g.process(ctx, s, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Reject оставляет сообщение терминальным в истории для аудита.
// Downstream оно не попадает никогда.
func (g *Gate) Reject(ctx context.Context, s *domain.Session, msgID, approverID string) (*domain.GuestMessage, error) {
	msg, err := g.resolve(s.ID, msgID, domain.ApprovalRejected, approverID)
	if err != nil {
		return nil, err
	}

	if err := g.persist(ctx, msg); err != nil {
		return nil, err
	}

	g.events.Publish(domain.SessionEvent{
		Type: domain.EventMessageRejected, SessionID: s.ID, Timestamp: g.now(),
		Payload: map[string]interface{}{"message_id": msg.ID, "approver": approverID},
	})
	g.auditor.Log(audit.Entry{
		SessionID: s.ID, Event: string(domain.EventMessageRejected),
		Actor: approverID, Details: map[string]interface{}{"message_id": msg.ID},
	})
	return msg, nil
}

// resolve атомарно фиксирует решение: pending -> approved|rejected ровно один раз
func (g *Gate) resolve(sessionID, msgID string, status domain.ApprovalStatus, approverID string) (*domain.GuestMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg, ok := g.byID[msgID]
	if !ok || msg.SessionID != sessionID {
		return nil, fmt.Errorf("message %s: %w", msgID, domain.ErrNotFound)
	}
	if err := msg.CanResolve(); err != nil {
		return nil, fmt.Errorf("message %s: %w", msgID, err)
	}

	// Снимаем из FIFO очереди
	queue := g.queues[sessionID]
	for i, id := range queue {
		if id == msgID {
			g.queues[sessionID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}

	ts := g.now()
	msg.ApprovalStatus = status
	msg.ReviewerID = &approverID
	msg.ReviewedAt = &ts
	return msg, nil
}

// Pending возвращает копии сообщений, ожидающих решения, в порядке очереди
func (g *Gate) Pending(sessionID string) []*domain.GuestMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*domain.GuestMessage, 0, len(g.queues[sessionID]))
	for _, id := range g.queues[sessionID] {
		if msg, ok := g.byID[id]; ok {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out
}

// History — все сообщения сессии в порядке поступления (копии)
func (g *Gate) History(sessionID string) []*domain.GuestMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*domain.GuestMessage, 0, len(g.history[sessionID]))
	for _, id := range g.history[sessionID] {
		if msg, ok := g.byID[id]; ok {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out
}

// Abandon вызывается на терминальном переходе сессии: очередь сбрасывается,
// недорешенные сообщения остаются PENDING в истории и из обработки исключаются.
func (g *Gate) Abandon(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := len(g.queues[sessionID]); n > 0 {
		g.logger.Info("abandoning pending approvals",
			zap.String("session_id", sessionID), zap.Int("count", n))
	}
	delete(g.queues, sessionID)
}

// process отдает сообщение downstream-процессору
func (g *Gate) process(ctx context.Context, s *domain.Session, msg *domain.GuestMessage) error {
	if err := g.processor.Process(ctx, msg); err != nil {
		g.logger.Error("downstream processing failed",
			zap.String("session_id", s.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return fmt.Errorf("downstream: %w", err)
	}

	g.events.Publish(domain.SessionEvent{
		Type: domain.EventMessageProcessed, SessionID: s.ID, Timestamp: g.now(),
		Payload: map[string]interface{}{"message_id": msg.ID},
	})
	return nil
}

// persist сохраняет сообщение в KV-стор
func (g *Gate) persist(ctx context.Context, msg *domain.GuestMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return g.kv.Set(ctx, infra.StoreNsMessages, msg.ID, raw)
}

// forget убирает сообщение из in-memory структур (откат после сбоя стора)
func (g *Gate) forget(sessionID, msgID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.byID, msgID)
	queue := g.queues[sessionID]
	for i, id := range queue {
		if id == msgID {
			g.queues[sessionID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	hist := g.history[sessionID]
	for i, id := range hist {
		if id == msgID {
			g.history[sessionID] = append(hist[:i], hist[i+1:]...)
			break
		}
	}
}
