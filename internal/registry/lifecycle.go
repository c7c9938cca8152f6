package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/guestgate-engine/internal/audit"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"github.com/xela07ax/guestgate-engine/internal/infra"
	"go.uber.org/zap"
)

// RequestInput — заявка гостя на надзорный доступ к ресурсу
type RequestInput struct {
	GuestID     string                  `json:"guest_id"`
	GuestName   string                  `json:"guest_name"`
	ResourceID  string                  `json:"resource_id"`
	Purpose     string                  `json:"purpose"`
	Permissions []domain.Permission     `json:"permissions,omitempty"`
	Settings    *domain.SessionSettings `json:"settings,omitempty"`
}

// DecisionInput — решение хоста по pending-запросу
type DecisionInput struct {
	Action      string                  `json:"action"` // approve | reject | modify
	DecidedBy   string                  `json:"decided_by"`
	Permissions []domain.Permission     `json:"permissions,omitempty"`
	Settings    *domain.SessionSettings `json:"settings,omitempty"`
	Comment     string                  `json:"comment,omitempty"`
}

// RequestSession создает pending-сессию. Валидации: ресурс резолвится в
// хоста, запрашивающий не владелец, нет живой сессии на пару (guest, resource).
// Нарушения — ErrValidation.
func (r *Registry) RequestSession(ctx context.Context, in RequestInput) (*domain.Session, error) {
	if in.GuestID == "" || in.ResourceID == "" || in.Purpose == "" {
		return nil, fmt.Errorf("guest_id, resource_id and purpose are required: %w", domain.ErrValidation)
	}

	hostID, hostName, err := r.resolver.ResolveOwner(ctx, in.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("resource %s is not resolvable to a host: %w", in.ResourceID, domain.ErrValidation)
	}
	if hostID == in.GuestID {
		return nil, fmt.Errorf("resource owner does not need guest access: %w", domain.ErrValidation)
	}

	now := r.now()
	s := &domain.Session{
		ID:           uuid.New().String(),
		HostID:       hostID,
		HostName:     hostName,
		GuestID:      in.GuestID,
		GuestName:    in.GuestName,
		ResourceID:   in.ResourceID,
		Status:       domain.SessionPending,
		Purpose:      in.Purpose,
		Permissions:  in.Permissions,
		Settings:     r.defaultedSettings(in.Settings),
		CreatedAt:    now,
		LastActivity: now,
	}
	if len(s.Permissions) == 0 {
		// Базовый грант на переписку: действия поверх него выдает хост при апруве
		s.Permissions = []domain.Permission{{
			Action: "chat", Granted: true, GrantedBy: "system", GrantedAt: now,
		}}
	}

	// Уникальность пары (guest, resource) и вставка — атомарно под общим локом
	pair := s.PairKey()
	r.mu.Lock()
	if existing, busy := r.byPair[pair]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("guest already has session %s for this resource: %w", existing, domain.ErrValidation)
	}
	r.records[s.ID] = &record{s: s}
	r.byPair[pair] = s.ID
	r.mu.Unlock()

	if err := r.persistLocked(ctx, s); err != nil {
		// Стор упал — откатываем вставку, заявка не принята
		r.mu.Lock()
		delete(r.records, s.ID)
		delete(r.byPair, pair)
		r.mu.Unlock()
		return nil, err
	}

	r.auditor.Log(audit.Entry{
		ID: uuid.New().String(), SessionID: s.ID,
		Event: string(domain.EventRequested), Actor: in.GuestID,
		Status:  string(s.Status),
		Details: map[string]interface{}{"resource_id": in.ResourceID, "purpose": in.Purpose},
	})
	r.events.Publish(domain.SessionEvent{Type: domain.EventRequested, SessionID: s.ID, Timestamp: now})
	r.signalStatus(ctx, s.ID, s.Status)
	r.notifier.SendSystemMessage(ctx, hostID,
		fmt.Sprintf("%s requests guest access to %s: %s", in.GuestName, in.ResourceID, in.Purpose))

	r.logger.Info("guest session requested",
		zap.String("session_id", s.ID),
		zap.String("guest_id", in.GuestID),
		zap.String("resource_id", in.ResourceID))
	return s.Clone(), nil
}

// Decide фиксирует решение хоста. Валидно только из pending, иначе
// ErrInvalidState. Approve несет замену Permissions/Settings, modify — merge.
// Побочный эффект approve: стартует watchdog, сессия попадает в обход монитора.
func (r *Registry) Decide(ctx context.Context, sessionID string, in DecisionInput) error {
	rec, ok := r.record(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	switch in.Action {
	case "reject":
		if err := s.CanTransitionTo(domain.SessionRejected); err != nil {
			return fmt.Errorf("session %s is %s: %w", sessionID, s.Status, domain.ErrInvalidState)
		}
		if err := r.finalizeLocked(ctx, s, domain.SessionRejected, "", domain.EventRejected, in.DecidedBy); err != nil {
			return err
		}
		r.notifier.SendSystemMessage(ctx, s.GuestID,
			fmt.Sprintf("Your access request for %s was rejected", s.ResourceID))
		return nil

	case "approve", "modify":
		// Решение принимается только по pending-заявке. Paused возвращается
		// в работу через Resume: повторный апрув сбрасывал бы StartedAt
		// и обнулял duration cap.
		if s.Status != domain.SessionPending {
			return fmt.Errorf("session %s is %s: %w", sessionID, s.Status, domain.ErrInvalidState)
		}
		if err := s.CanTransitionTo(domain.SessionActive); err != nil {
			return fmt.Errorf("session %s is %s: %w", sessionID, s.Status, domain.ErrInvalidState)
		}

		if in.Action == "modify" {
			r.mergeChanges(s, in)
		} else {
			r.replaceChanges(s, in)
		}

		prev := s.Status
		now := r.now()
		s.Status = domain.SessionActive
		s.StartedAt = &now
		s.Touch(now)

		if err := r.persistLocked(ctx, s); err != nil {
			// In-flight состояние не портим: откат, хост повторит решение
			s.Status = prev
			s.StartedAt = nil
			return err
		}

		// Watchdog стартует ровно один раз — на входе в active
		if r.watchdog != nil {
			r.watchdog.Start(r.baseCtx, s.ID)
		}

		r.auditor.Log(audit.Entry{
			ID: uuid.New().String(), SessionID: s.ID,
			Event: string(domain.EventApproved), Actor: in.DecidedBy,
			Status:  string(s.Status),
			Details: map[string]interface{}{"action": in.Action, "comment": in.Comment},
		})
		r.events.Publish(domain.SessionEvent{Type: domain.EventApproved, SessionID: s.ID, Timestamp: now})
		r.events.Publish(domain.SessionEvent{Type: domain.EventStarted, SessionID: s.ID, Timestamp: now})
		r.signalStatus(ctx, s.ID, s.Status)
		r.notifier.SendSystemMessage(ctx, s.GuestID,
			fmt.Sprintf("Your access request for %s was approved", s.ResourceID))

		r.logger.Info("session approved",
			zap.String("session_id", s.ID), zap.String("decided_by", in.DecidedBy))
		return nil

	default:
		return fmt.Errorf("unknown decision action %q: %w", in.Action, domain.ErrValidation)
	}
}

// EndSession завершает сессию. Идемпотентна: на уже терминальной сессии
// это no-op без ошибки, cleanup-код может звать ее безусловно.
func (r *Registry) EndSession(ctx context.Context, sessionID string, reason domain.EndReason) error {
	rec, ok := r.record(sessionID)
	if !ok {
		// Уже архивирована (или никогда не существовала) — no-op
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	if s.Status.IsTerminal() {
		// Повторный вызов после сбоя архивации: добиваем eviction
		return r.evictLocked(ctx, s)
	}

	target := domain.SessionCompleted
	event := domain.EventEnded
	if s.Status == domain.SessionPending {
		target = domain.SessionExpired
		if reason == "" {
			reason = domain.ReasonRequestExpired
		}
	}
	if reason == domain.ReasonComplianceViolation {
		event = domain.EventComplianceViolation
	}

	if err := r.finalizeLocked(ctx, s, target, reason, event, "system"); err != nil {
		return err
	}

	r.notifier.SendSystemMessage(ctx, s.GuestID,
		fmt.Sprintf("Session for %s ended (%s)", s.ResourceID, reason))
	r.notifier.SendSystemMessage(ctx, s.HostID,
		fmt.Sprintf("Guest session %s ended (%s)", s.ID, reason))
	return nil
}

// Pause приостанавливает active-сессию (хост или система)
func (r *Registry) Pause(ctx context.Context, sessionID, actor string) error {
	return r.shift(ctx, sessionID, actor, domain.SessionActive, domain.SessionPaused, domain.EventPaused)
}

// Resume возвращает paused-сессию в работу
func (r *Registry) Resume(ctx context.Context, sessionID, actor string) error {
	return r.shift(ctx, sessionID, actor, domain.SessionPaused, domain.SessionActive, domain.EventResumed)
}

// shift — общий механизм пары active<->paused
func (r *Registry) shift(ctx context.Context, sessionID, actor string, from, to domain.SessionStatus, event domain.EventType) error {
	rec, ok := r.record(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	if s.Status != from {
		return fmt.Errorf("session %s is %s, expected %s: %w", sessionID, s.Status, from, domain.ErrInvalidState)
	}

	now := r.now()
	s.Status = to
	s.Touch(now)

	if err := r.persistLocked(ctx, s); err != nil {
		s.Status = from
		return err
	}

	r.auditor.Log(audit.Entry{
		ID: uuid.New().String(), SessionID: s.ID,
		Event: string(event), Actor: actor, Status: string(s.Status),
	})
	r.events.Publish(domain.SessionEvent{Type: event, SessionID: s.ID, Timestamp: now})
	r.signalStatus(ctx, s.ID, s.Status)
	return nil
}

// finalizeLocked — единственная точка терминального перехода: останавливает
// watchdog (ровно одна отмена), бросает очередь апрувов, архивирует и
// вычищает запись из живого реестра.
func (r *Registry) finalizeLocked(ctx context.Context, s *domain.Session, target domain.SessionStatus, reason domain.EndReason, event domain.EventType, actor string) error {
	now := r.now()
	s.Status = target
	s.EndedAt = &now
	if reason != "" {
		s.Metadata.EndReason = reason
	}

	if r.watchdog != nil {
		r.watchdog.Stop(s.ID)
	}
	r.gate.Abandon(s.ID)

	r.auditor.Log(audit.Entry{
		ID: uuid.New().String(), SessionID: s.ID,
		Event: string(event), Actor: actor, Status: string(target),
		Details: map[string]interface{}{"reason": string(reason)},
	})
	r.events.Publish(domain.SessionEvent{
		Type: event, SessionID: s.ID, Timestamp: now,
		Payload: map[string]interface{}{"reason": string(reason)},
	})
	if event != domain.EventEnded && event != domain.EventRejected {
		// compliance_violation дублируется терминальным ended-событием
		r.events.Publish(domain.SessionEvent{
			Type: domain.EventEnded, SessionID: s.ID, Timestamp: now,
			Payload: map[string]interface{}{"reason": string(reason)},
		})
	}
	r.signalStatus(ctx, s.ID, s.Status)

	r.logger.Info("session finalized",
		zap.String("session_id", s.ID),
		zap.String("status", string(target)),
		zap.String("reason", string(reason)))

	return r.evictLocked(ctx, s)
}

// evictLocked — архивная запись и удаление из живых карт. При сбое архива
// запись остается терминальной в реестре; свипер доведет eviction на
// следующем обходе (или повторный EndSession).
func (r *Registry) evictLocked(ctx context.Context, s *domain.Session) error {
	if err := r.archive.ArchiveSession(ctx, s); err != nil {
		r.logger.Error("session archival failed, will retry on next sweep",
			zap.String("session_id", s.ID), zap.Error(err))
		return &domain.PersistenceError{Op: "archive.write", Err: err}
	}

	// Живой стор чистим best-effort: терминальную запись Restore игнорирует
	if err := r.kv.Delete(ctx, infra.StoreNsSessions, s.ID); err != nil {
		r.logger.Warn("failed to remove session from live store",
			zap.String("session_id", s.ID), zap.Error(err))
	}

	r.mu.Lock()
	delete(r.records, s.ID)
	delete(r.byPair, s.PairKey())
	r.mu.Unlock()

	r.events.DropSession(s.ID)
	return nil
}

// defaultedSettings дополняет пользовательские настройки дефолтами движка
func (r *Registry) defaultedSettings(in *domain.SessionSettings) domain.SessionSettings {
	st := domain.SessionSettings{
		MaxDuration:         r.cfg.DefaultMaxDuration,
		AutoEndOnInactivity: r.cfg.DefaultInactivity,
	}
	if in == nil {
		return st
	}
	st.RequireApprovalForTools = in.RequireApprovalForTools
	st.RestrictedTopics = append([]string(nil), in.RestrictedTopics...)
	if in.MaxDuration > 0 {
		st.MaxDuration = in.MaxDuration
	}
	if in.AutoEndOnInactivity > 0 {
		st.AutoEndOnInactivity = in.AutoEndOnInactivity
	}
	return st
}

// replaceChanges — approve: замена целиком, если хост прислал новые значения
func (r *Registry) replaceChanges(s *domain.Session, in DecisionInput) {
	if len(in.Permissions) > 0 {
		s.Permissions = r.stamped(in.Permissions, in.DecidedBy)
	}
	if in.Settings != nil {
		s.Settings = r.defaultedSettings(in.Settings)
	}
}

// mergeChanges — modify: новые гранты дописываются поверх существующих
// (пере-апрув = новая запись, мутаций старых грантов нет)
func (r *Registry) mergeChanges(s *domain.Session, in DecisionInput) {
	if len(in.Permissions) > 0 {
		s.Permissions = append(s.Permissions, r.stamped(in.Permissions, in.DecidedBy)...)
	}
	if in.Settings != nil {
		if in.Settings.MaxDuration > 0 {
			s.Settings.MaxDuration = in.Settings.MaxDuration
		}
		if in.Settings.AutoEndOnInactivity > 0 {
			s.Settings.AutoEndOnInactivity = in.Settings.AutoEndOnInactivity
		}
		s.Settings.RequireApprovalForTools = in.Settings.RequireApprovalForTools
		if len(in.Settings.RestrictedTopics) > 0 {
			s.Settings.RestrictedTopics = append(s.Settings.RestrictedTopics, in.Settings.RestrictedTopics...)
		}
	}
}

// stamped проставляет грантам автора и время выдачи
func (r *Registry) stamped(perms []domain.Permission, grantedBy string) []domain.Permission {
	now := r.now()
	out := make([]domain.Permission, len(perms))
	for i, p := range perms {
		p.GrantedBy = grantedBy
		p.GrantedAt = now
		out[i] = p
	}
	return out
}
