package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных движка в Redis
	RedisNamespace = "guestgate"
)

// Namespace-ключи для KV-стора (живые сессии, сообщения)
const (
	StoreNsSessions = "sessions"
	StoreNsMessages = "messages"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanLifecycle — широковещательный канал переходов состояния,
	// формат сообщения "sessionID:status". Слушают внешние консоли.
	RedisChanLifecycle = RedisNamespace + ":sessions:lifecycle-signal"

	// RedisChanNotifyPrefix — персональный канал пользователя для system-сообщений
	RedisChanNotifyPrefix = RedisNamespace + ":notify:"
)

// StoreKey собирает полный ключ записи в KV-сторе
func StoreKey(ns, key string) string {
	return fmt.Sprintf("%s:%s:%s", RedisNamespace, ns, key)
}

// StoreIndexKey — ключ set-индекса namespace'а (для операции Keys)
func StoreIndexKey(ns string) string {
	return fmt.Sprintf("%s:%s:_index", RedisNamespace, ns)
}

// NotifyChannel — канал доставки system-сообщений конкретному пользователю
func NotifyChannel(userID string) string {
	return RedisChanNotifyPrefix + userID
}
