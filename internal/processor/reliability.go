package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"golang.org/x/time/rate"
)

// ReliabilityWrapper оборачивает Processor в Rate Limiter -> Circuit
// Breaker -> Retry. Сбои даунстрима не должны выбивать движок: при
// открытом предохранителе сообщение падает с ошибкой и остается в истории.
type ReliabilityWrapper struct {
	next    Processor
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// BreakerSettings — вынесенные в конфиг параметры предохранителя
type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
}

func NewReliabilityWrapper(next Processor, bs BreakerSettings) *ReliabilityWrapper {
	if bs.MaxRequests == 0 {
		bs.MaxRequests = 3
	}
	if bs.Interval <= 0 {
		bs.Interval = 5 * time.Second
	}
	if bs.Timeout <= 0 {
		bs.Timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "guestgate-processor",
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
	})

	// Лимитер: 100 сообщений в секунду с burst'ом 20
	limiter := rate.NewLimiter(rate.Limit(100), 20)

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: limiter,
	}
}

func (w *ReliabilityWrapper) Process(ctx context.Context, msg *domain.GuestMessage) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Даунстрим вернул ThrottleError — уважаем его Retry-After
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// Иначе (сетевой лаг, 500-ка) — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return w.next.Process(tCtx, msg)
		})

		return nil, retryErr
	})

	return err
}
