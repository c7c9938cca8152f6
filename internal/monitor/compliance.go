package monitor

import (
	"context"
	"time"

	"github.com/xela07ax/guestgate-engine/internal/domain"
	"go.uber.org/zap"
)

// Oracle — внешняя функция политики: возвращает ноль и более флагов для
// сессии. Ядро определяет только контракт и правило терминации по severity.
type Oracle interface {
	Evaluate(ctx context.Context, s *domain.Session) ([]domain.ComplianceFlag, error)
}

// Engine — что свиперу нужно от реестра. Мутации применяет сам реестр
// под блокировкой сессии; свипер работает со снапшотами.
type Engine interface {
	PendingSessions() []*domain.Session
	ActiveSessions() []*domain.Session
	TerminalSessions() []*domain.Session
	ExpireRequest(ctx context.Context, sessionID string) error
	ApplyCompliance(ctx context.Context, sessionID string, flags []domain.ComplianceFlag) error
	RetryEviction(ctx context.Context, sessionID string) error
}

// Sweeper — периодический compliance-обход активных сессий плюс протухание
// pending-запросов без решения (request TTL). Ошибка по одной сессии
// изолируется: лог и переход к следующей, обход не прерывается.
type Sweeper struct {
	engine     Engine
	oracle     Oracle
	interval   time.Duration
	requestTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewSweeper(engine Engine, oracle Oracle, interval, requestTTL time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if requestTTL <= 0 {
		requestTTL = 24 * time.Hour
	}
	return &Sweeper{
		engine:     engine,
		oracle:     oracle,
		interval:   interval,
		requestTTL: requestTTL,
		logger:     logger.Named("compliance-sweeper"),
		now:        time.Now,
	}
}

// SetClock подменяет источник времени (для симуляции в тестах)
func (sw *Sweeper) SetClock(now func() time.Time) { sw.now = now }

// Run крутит обходы до отмены контекста
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("compliance sweeper started",
		zap.Duration("interval", sw.interval),
		zap.Duration("request_ttl", sw.requestTTL))

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("compliance sweeper stopping by context...")
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep — один проход по всем сессиям
func (sw *Sweeper) Sweep(ctx context.Context) {
	now := sw.now()

	// 1. Протухание pending-запросов без решения хоста
	for _, s := range sw.engine.PendingSessions() {
		if now.Sub(s.CreatedAt) <= sw.requestTTL {
			continue
		}
		if err := sw.engine.ExpireRequest(ctx, s.ID); err != nil {
			// Повторим на следующем цикле
			sw.logger.Error("failed to expire stale request",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	// 2. Compliance-проверка активных сессий
	for _, s := range sw.engine.ActiveSessions() {
		flags, err := sw.oracle.Evaluate(ctx, s)
		if err != nil {
			// Изоляция: сбой оракула по одной сессии не роняет обход остальных
			sw.logger.Error("compliance oracle failed",
				zap.String("session_id", s.ID), zap.Error(err))
			continue
		}

		// Применение флагов, критическая терминация и duration cap — в реестре,
		// под блокировкой сессии
		if err := sw.engine.ApplyCompliance(ctx, s.ID, flags); err != nil {
			sw.logger.Error("failed to apply compliance result",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	// 3. Добивание терминальных записей с незавершенной архивацией:
	// застрявшая сессия не должна вечно держать пару (guest, resource)
	for _, s := range sw.engine.TerminalSessions() {
		if err := sw.engine.RetryEviction(ctx, s.ID); err != nil {
			sw.logger.Error("failed to evict terminal session",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}
