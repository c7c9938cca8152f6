package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IdleChecker реализуется реестром: проверка простоя выполняется под
// блокировкой сессии, чтобы не гоняться с approve/submit.
type IdleChecker interface {
	// ExpireIfIdle завершает сессию, если простой превысил порог.
	// Возвращает true, когда сессия стала терминальной (по любой причине).
	ExpireIfIdle(ctx context.Context, sessionID string) bool
}

// Reaper — по одному watchdog'у на сессию, стартует ровно один раз при входе
// в active. Инвариант очистки: каждый запущенный watchdog отменяется ровно
// один раз на любом терминальном переходе — и явном, и от Compliance Monitor.
type Reaper struct {
	checker  IdleChecker
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	watchdogs map[string]context.CancelFunc
}

func NewReaper(checker IdleChecker, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reaper{
		checker:   checker,
		interval:  interval,
		logger:    logger.Named("reaper"),
		watchdogs: make(map[string]context.CancelFunc),
	}
}

// Start запускает watchdog сессии. Повторный вызов для той же сессии — no-op.
func (r *Reaper) Start(ctx context.Context, sessionID string) {
	r.mu.Lock()
	if _, running := r.watchdogs[sessionID]; running {
		r.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	r.watchdogs[sessionID] = cancel
	r.mu.Unlock()

	go r.watch(wctx, sessionID)
}

// Stop отменяет watchdog. Идемпотентен: повторная отмена — no-op.
func (r *Reaper) Stop(sessionID string) {
	r.mu.Lock()
	cancel, ok := r.watchdogs[sessionID]
	if ok {
		delete(r.watchdogs, sessionID)
	}
	r.mu.Unlock()

	if ok {
		cancel()
	}
}

// Active — запущен ли watchdog сессии (для метрик и тестов)
func (r *Reaper) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watchdogs[sessionID]
	return ok
}

// StopAll снимает все watchdog'и при остановке движка
func (r *Reaper) StopAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.watchdogs))
	for id, cancel := range r.watchdogs {
		cancels = append(cancels, cancel)
		delete(r.watchdogs, id)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (r *Reaper) watch(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.checker.ExpireIfIdle(ctx, sessionID) {
				// Терминальный переход уже снял наш cancel через Stop;
				// тикать дальше нечему
				return
			}
		}
	}
}
