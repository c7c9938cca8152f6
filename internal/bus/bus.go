package bus

import (
	"sync"

	"github.com/xela07ax/guestgate-engine/internal/domain"
	"go.uber.org/zap"
)

// Handler — подписчик на события сессии.
type Handler func(evt domain.SessionEvent)

// SessionWildcard подписывает на события всех сессий (для метрик и нотификаций).
const SessionWildcard = "*"

// Bus — типизированный per-session pub/sub c двумя логическими каналами:
// lifecycle-события и message-события. Доставка синхронная, best-effort:
// паника одного подписчика изолируется и не мешает остальным
// и не прерывает публикующую операцию.
type Bus struct {
	mu        sync.RWMutex
	lifecycle map[string][]Handler // sessionID -> подписчики
	messages  map[string][]Handler
	logger    *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		lifecycle: make(map[string][]Handler),
		messages:  make(map[string][]Handler),
		logger:    logger.Named("bus"),
	}
}

func (b *Bus) SubscribeLifecycle(sessionID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lifecycle[sessionID] = append(b.lifecycle[sessionID], h)
}

func (b *Bus) SubscribeMessages(sessionID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[sessionID] = append(b.messages[sessionID], h)
}

// Publish раскладывает событие по каналу согласно его типу
func (b *Bus) Publish(evt domain.SessionEvent) {
	b.mu.RLock()
	var handlers []Handler
	if evt.Type.Lifecycle() {
		handlers = append(handlers, b.lifecycle[evt.SessionID]...)
		handlers = append(handlers, b.lifecycle[SessionWildcard]...)
	} else {
		handlers = append(handlers, b.messages[evt.SessionID]...)
		handlers = append(handlers, b.messages[SessionWildcard]...)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
}

// deliver изолирует панику подписчика (catch-and-log вокруг каждого вызова)
func (b *Bus) deliver(h Handler, evt domain.SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panic isolated",
				zap.String("session_id", evt.SessionID),
				zap.String("event", string(evt.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	h(evt)
}

// DropSession снимает подписчиков завершенной сессии.
// Вызывается реестром при архивации, чтобы карты не росли бесконечно.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lifecycle, sessionID)
	delete(b.messages, sessionID)
}
