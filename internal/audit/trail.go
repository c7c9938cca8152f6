package audit

/*
Файл trail.go реализует журнал аудита сессий — асинхронный сборщик
append-only записей о жизненном цикле и решениях по сообщениям.

Ключевые особенности архитектуры:
- Non-blocking Logging: неблокирующий канал между Hot Path реестра и
  воркером записи. Задержки БД не влияют на время переходов сессии.
- Batching & Efficiency: накопление записей в памяти и пакетная вставка
  (Bulk Insert) в PostgreSQL по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается
  полностью, финальный flush гарантирует отсутствие потерь при перезапуске.
- Reliability: сбой записи изолирован в воркере и логируется; записи
  текущего батча теряются только при недоступности БД.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться записи
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []Entry) error
}

type Auditor interface {
	Log(entry Entry)
}

type Trail struct {
	ch     chan Entry       // Буфер для асинхронности
	repo   StorageInterface // Интерфейс для Postgres
	logger *zap.Logger
	wg     sync.WaitGroup

	flushEvery time.Duration
	batchSize  int

	// Защита от Log после остановки
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewTrail(repo StorageInterface, logger *zap.Logger, bufferSize int, flushEvery time.Duration) *Trail {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Trail{
		ch:         make(chan Entry, bufferSize),
		repo:       repo,
		logger:     logger.With(zap.String("mod", "audit-trail")),
		flushEvery: flushEvery,
		batchSize:  100,
	}
}

// Depth — текущее число записей, ожидающих воркера (для gauge насыщения)
func (t *Trail) Depth() int { return len(t.ch) }

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	// 1. Сначала ставим флаг
	atomic.StoreInt32(&t.isClosed, 1)

	// 2. Даем крошечную паузу, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	// 3. Drain Pattern: завершение воркера только через закрытие канала
	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(entry Entry) {
	// Таймстемп всегда проставлен
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	// Атомарно проверяем, не закрыт ли канал
	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("audit entry dropped: trail is stopping", zap.String("id", entry.ID))
		return
	}

	// Load Shedding при переполнении: событие уходит хотя бы в логгер
	select {
	case t.ch <- entry:
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("session_id", entry.SessionID),
			zap.String("event", entry.Event),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Entry, 0, t.batchSize)
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на shutdown уже может быть закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("audit flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case entry, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки, финальный flush, выходим
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= t.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
