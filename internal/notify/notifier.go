package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"github.com/xela07ax/guestgate-engine/internal/infra"
	"go.uber.org/zap"
)

// Dispatcher — fire-and-forget доставка system-сообщений пользователям.
// Политика: best-effort, без гарантий. Сбой доставки логируется и не
// ретраится ядром; переходы state machine на доставку не блокируются.
type Dispatcher interface {
	SendSystemMessage(ctx context.Context, userID, text string)
}

// RedisDispatcher публикует сообщения в персональные каналы пользователей
// и транслирует статусные сигналы сессий во внешний мир.
type RedisDispatcher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisDispatcher(rdb *redis.Client, logger *zap.Logger) *RedisDispatcher {
	return &RedisDispatcher{
		rdb:    rdb,
		logger: logger.Named("notifier"),
	}
}

func (d *RedisDispatcher) SendSystemMessage(ctx context.Context, userID, text string) {
	if err := d.rdb.Publish(ctx, infra.NotifyChannel(userID), text).Err(); err != nil {
		// Best-effort: лог и едем дальше
		d.logger.Warn("notification delivery failed",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// SignalStatus — широковещательный сигнал перехода, формат "sessionID:status".
// Внешние консоли слушают канал и обновляют свое состояние в реальном времени.
func (d *RedisDispatcher) SignalStatus(ctx context.Context, sessionID string, status domain.SessionStatus) {
	payload := fmt.Sprintf("%s:%s", sessionID, status)
	if err := d.rdb.Publish(ctx, infra.RedisChanLifecycle, payload).Err(); err != nil {
		d.logger.Warn("lifecycle signal delivery failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// LogDispatcher — дев/тестовая реализация: уведомления уходят только в лог
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.Named("notifier")}
}

func (d *LogDispatcher) SendSystemMessage(ctx context.Context, userID, text string) {
	d.logger.Info("system message",
		zap.String("user_id", userID),
		zap.String("text", text))
}
