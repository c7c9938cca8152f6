package audit

import "time"

// Entry — запись append-only журнала аудита сессии.
type Entry struct {
	ID        string                 `json:"id"`         // UUID записи
	SessionID string                 `json:"session_id"` // К какой сессии относится
	Event     string                 `json:"event"`      // Тип события (requested, decided, message_approved...)
	Actor     string                 `json:"actor"`      // Кто инициировал (guest/host/system id)
	Status    string                 `json:"status"`     // Статус сессии после события
	Details   map[string]interface{} `json:"details"`    // Причина завершения, id сообщения и т.п.
	Timestamp time.Time              `json:"timestamp"`
}
