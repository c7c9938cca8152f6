package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/guestgate-engine/internal/approval"
	"github.com/xela07ax/guestgate-engine/internal/audit"
	"github.com/xela07ax/guestgate-engine/internal/bus"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"github.com/xela07ax/guestgate-engine/internal/infra"
	"github.com/xela07ax/guestgate-engine/internal/permission"
	"github.com/xela07ax/guestgate-engine/internal/store"
	"go.uber.org/zap"
)

// Watchdog — контракт Inactivity Reaper'а со стороны реестра
type Watchdog interface {
	Start(ctx context.Context, sessionID string)
	Stop(sessionID string)
}

// HostResolver — внешний lookup владельца ресурса.
// Возвращает ErrNotFound, если ресурс никому не принадлежит.
type HostResolver interface {
	ResolveOwner(ctx context.Context, resourceID string) (hostID, hostName string, err error)
}

// Archiver принимает терминальные сессии (владение in-memory записью
// заканчивается на архивации)
type Archiver interface {
	ArchiveSession(ctx context.Context, s *domain.Session) error
}

// Notifier — fire-and-forget доставка system-сообщений участникам
type Notifier interface {
	SendSystemMessage(ctx context.Context, userID, text string)
}

// StatusSignaler транслирует переходы статуса наружу (Redis pub/sub),
// чтобы внешние консоли видели их в реальном времени. Может быть nil.
type StatusSignaler interface {
	SignalStatus(ctx context.Context, sessionID string, status domain.SessionStatus)
}

// Config — дефолтные лимиты для сессий без явных настроек
type Config struct {
	DefaultMaxDuration time.Duration
	DefaultInactivity  time.Duration
}

// record — живая запись с собственной блокировкой: мутации одной сессии
// сериализованы, разные сессии полностью независимы.
type record struct {
	mu sync.Mutex
	s  *domain.Session
}

// Deps — явные зависимости реестра (никаких ленивых синглтонов)
type Deps struct {
	Store    store.Store
	Archive  Archiver
	Checker  *permission.Checker
	Gate     *approval.Gate
	Bus      *bus.Bus
	Notifier Notifier
	Auditor  audit.Auditor
	Resolver HostResolver
	Signals  StatusSignaler // опционально
	Logger   *zap.Logger
}

// Registry — канонический владелец state machine всех живых сессий.
// Единственный авторитетный инстанс: инвариант уникальности (guest, resource)
// держится на in-memory индексе byPair.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	byPair  map[string]string // guestID:resourceID -> sessionID (только не-терминальные)

	kv       store.Store
	archive  Archiver
	checker  *permission.Checker
	gate     *approval.Gate
	events   *bus.Bus
	notifier Notifier
	auditor  audit.Auditor
	resolver HostResolver
	signals  StatusSignaler
	watchdog Watchdog

	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// Базовый контекст для watchdog-горутин: живет дольше любого запроса
	baseCtx context.Context
}

func New(baseCtx context.Context, deps Deps, cfg Config) *Registry {
	if cfg.DefaultMaxDuration <= 0 {
		cfg.DefaultMaxDuration = 4 * time.Hour
	}
	if cfg.DefaultInactivity <= 0 {
		cfg.DefaultInactivity = 30 * time.Minute
	}
	return &Registry{
		records:  make(map[string]*record),
		byPair:   make(map[string]string),
		kv:       deps.Store,
		archive:  deps.Archive,
		checker:  deps.Checker,
		gate:     deps.Gate,
		events:   deps.Bus,
		notifier: deps.Notifier,
		auditor:  deps.Auditor,
		resolver: deps.Resolver,
		signals:  deps.Signals,
		cfg:      cfg,
		logger:   deps.Logger.Named("registry"),
		now:      time.Now,
		baseCtx:  baseCtx,
	}
}

// SetWatchdog связывает Reaper после конструирования (reaper сам зависит
// от реестра через IdleChecker)
func (r *Registry) SetWatchdog(w Watchdog) { r.watchdog = w }

// SetClock подменяет источник времени (для симуляции в тестах)
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Bus отдает шину событий для внешних подписчиков
func (r *Registry) Bus() *bus.Bus { return r.events }

// record ищет живую запись
func (r *Registry) record(sessionID string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[sessionID]
	return rec, ok
}

// GetSession возвращает копию живой сессии
func (r *Registry) GetSession(sessionID string) (*domain.Session, error) {
	rec, ok := r.record(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.s.Clone(), nil
}

// ListSessions — снапшоты всех живых сессий
func (r *Registry) ListSessions() []*domain.Session {
	return r.snapshot(func(s *domain.Session) bool { return true })
}

// ActiveSessions — снапшоты для compliance-обхода
func (r *Registry) ActiveSessions() []*domain.Session {
	return r.snapshot(func(s *domain.Session) bool { return s.Status == domain.SessionActive })
}

// PendingSessions — снапшоты для проверки request TTL
func (r *Registry) PendingSessions() []*domain.Session {
	return r.snapshot(func(s *domain.Session) bool { return s.Status == domain.SessionPending })
}

// TerminalSessions — терминальные записи, не покинувшие реестр из-за сбоя
// архивации. Пока такая запись жива, пара (guest, resource) занята.
func (r *Registry) TerminalSessions() []*domain.Session {
	return r.snapshot(func(s *domain.Session) bool { return s.Status.IsTerminal() })
}

func (r *Registry) snapshot(keep func(*domain.Session) bool) []*domain.Session {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]*domain.Session, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if keep(rec.s) {
			out = append(out, rec.s.Clone())
		}
		rec.mu.Unlock()
	}
	return out
}

// persistLocked пишет сессию в KV-стор. Вызывается под блокировкой записи.
func (r *Registry) persistLocked(ctx context.Context, s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return r.kv.Set(ctx, infra.StoreNsSessions, s.ID, raw)
}

// Restore поднимает живые сессии из стора после перезапуска.
// Для active-сессий заново запускаются watchdog'и.
func (r *Registry) Restore(ctx context.Context) error {
	keys, err := r.kv.Keys(ctx, infra.StoreNsSessions)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	restored := 0
	for _, key := range keys {
		raw, err := r.kv.Get(ctx, infra.StoreNsSessions, key)
		if err != nil {
			r.logger.Error("restore: failed to load session", zap.String("key", key), zap.Error(err))
			continue
		}
		var s domain.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			r.logger.Error("restore: corrupt session record", zap.String("key", key), zap.Error(err))
			continue
		}
		if s.Status.IsTerminal() {
			// Терминальная запись в живом сторе — хвост незавершенной архивации
			continue
		}

		r.mu.Lock()
		r.records[s.ID] = &record{s: &s}
		r.byPair[s.PairKey()] = s.ID
		r.mu.Unlock()

		if s.Status == domain.SessionActive && r.watchdog != nil {
			r.watchdog.Start(r.baseCtx, s.ID)
		}
		restored++
	}

	r.logger.Info("sessions restored from store", zap.Int("count", restored))
	return nil
}

// signalStatus — nil-safe трансляция перехода
func (r *Registry) signalStatus(ctx context.Context, sessionID string, status domain.SessionStatus) {
	if r.signals != nil {
		r.signals.SignalStatus(ctx, sessionID, status)
	}
}
