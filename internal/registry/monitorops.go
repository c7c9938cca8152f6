package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"go.uber.org/zap"
)

// ExpireIfIdle — тик Inactivity Reaper'а. Проверка и терминация идут под
// блокировкой сессии, чтобы не гоняться с submit/approve. true = watchdog'у
// больше нечего сторожить.
func (r *Registry) ExpireIfIdle(ctx context.Context, sessionID string) bool {
	rec, ok := r.record(sessionID)
	if !ok {
		return true
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	if s.Status.IsTerminal() {
		return true
	}
	if s.Status != domain.SessionActive {
		// Paused не накапливает простой: паузу снимет хост или система
		return false
	}

	idle := r.now().Sub(s.LastActivity)
	if idle <= s.Settings.AutoEndOnInactivity {
		return false
	}

	r.logger.Info("inactivity threshold exceeded",
		zap.String("session_id", sessionID),
		zap.Duration("idle", idle))

	if err := r.finalizeLocked(ctx, s, domain.SessionCompleted, domain.ReasonInactivityTimeout, domain.EventEnded, "system"); err != nil {
		// Архив упал: запись уже терминальна, eviction добьет свипер
		r.logger.Error("inactivity finalize failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	r.notifier.SendSystemMessage(ctx, s.GuestID,
		fmt.Sprintf("Session for %s ended due to inactivity", s.ResourceID))
	return true
}

// ApplyCompliance применяет результат оракула: флаги дописываются append-only;
// critical немедленно завершает сессию, и остальные проверки этого обхода
// для нее пропускаются; иначе проверяется duration cap.
func (r *Registry) ApplyCompliance(ctx context.Context, sessionID string, flags []domain.ComplianceFlag) error {
	rec, ok := r.record(sessionID)
	if !ok {
		// Сессия успела завершиться между снапшотом и применением
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	if s.Status.IsTerminal() || s.Status == domain.SessionPending {
		return nil
	}

	critical := false
	for _, f := range flags {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.FlaggedAt.IsZero() {
			f.FlaggedAt = r.now()
		}
		s.Metadata.ComplianceFlags = append(s.Metadata.ComplianceFlags, f)
		if f.Severity == domain.SeverityCritical {
			critical = true
		}
	}

	if critical {
		r.logger.Warn("critical compliance flag, terminating session",
			zap.String("session_id", sessionID))
		if err := r.finalizeLocked(ctx, s, domain.SessionCompleted, domain.ReasonComplianceViolation, domain.EventComplianceViolation, "compliance-monitor"); err != nil {
			return err
		}
		r.notifier.SendSystemMessage(ctx, s.HostID,
			fmt.Sprintf("Guest session %s terminated: compliance violation", s.ID))
		return nil
	}

	// Duration cap проверяем только когда критики нет
	if s.Status == domain.SessionActive && s.ActiveElapsed(r.now()) > s.Settings.MaxDuration {
		r.logger.Info("session duration cap exceeded", zap.String("session_id", sessionID))
		return r.finalizeLocked(ctx, s, domain.SessionCompleted, domain.ReasonDurationExceeded, domain.EventEnded, "compliance-monitor")
	}

	if len(flags) > 0 {
		return r.persistLocked(ctx, s)
	}
	return nil
}

// RetryEviction добивает архивацию терминальной записи, застрявшей в
// реестре после сбоя архива. Вызывается свипером на каждом обходе;
// на живой или уже вычищенной сессии это no-op.
func (r *Registry) RetryEviction(ctx context.Context, sessionID string) error {
	rec, ok := r.record(sessionID)
	if !ok {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.s.Status.IsTerminal() {
		return nil
	}
	return r.evictLocked(ctx, rec.s)
}

// ExpireRequest протухание pending-запроса без решения хоста (request TTL)
func (r *Registry) ExpireRequest(ctx context.Context, sessionID string) error {
	rec, ok := r.record(sessionID)
	if !ok {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	if s.Status != domain.SessionPending {
		return nil
	}

	if err := r.finalizeLocked(ctx, s, domain.SessionExpired, domain.ReasonRequestExpired, domain.EventEnded, "system"); err != nil {
		return err
	}
	r.notifier.SendSystemMessage(ctx, s.GuestID,
		fmt.Sprintf("Your access request for %s expired without a decision", s.ResourceID))
	return nil
}

// ResolveFlag помечает compliance-флаг разрешенным. Флаги не удаляются —
// только resolved-отметка (append-only журнал нарушений).
func (r *Registry) ResolveFlag(ctx context.Context, sessionID, flagID, resolvedBy string) error {
	rec, ok := r.record(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.s

	for i := range s.Metadata.ComplianceFlags {
		f := &s.Metadata.ComplianceFlags[i]
		if f.ID != flagID {
			continue
		}
		if f.Resolved() {
			return fmt.Errorf("flag %s: %w", flagID, domain.ErrAlreadyProcessed)
		}
		now := r.now()
		f.ResolvedAt = &now
		f.ResolvedBy = &resolvedBy
		return r.persistLocked(ctx, s)
	}
	return fmt.Errorf("flag %s: %w", flagID, domain.ErrNotFound)
}
