package processor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/xela07ax/guestgate-engine/internal/domain"
)

// Processor применяет эффект одобренного/негейченного сообщения к целевому
// ресурсу. Ядро гарантирует гейтинг и порядок, семантику исполнения — нет.
type Processor interface {
	Process(ctx context.Context, msg *domain.GuestMessage) error
}

// ThrottleError — даунстрим попросил прийти позже (считал Retry-After)
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

// MockResourceProcessor — имитация целевого ресурса для разработки и демо
type MockResourceProcessor struct{}

func (p *MockResourceProcessor) Process(ctx context.Context, msg *domain.GuestMessage) error {
	// Имитируем задержку 50-300мс
	latency := time.Duration(50+rand.IntN(250)) * time.Millisecond

	select {
	case <-time.After(latency):
		// Имитация работы
	case <-ctx.Done():
		return ctx.Err()
	}

	switch msg.Action {
	case "unstable.service":
		return fmt.Errorf("resource internal error")
	case "chat":
		return nil // Переписка эффекта против ресурса не несет
	case "repo.file.read", "repo.file.write", "doc.comment.add", "db.query.execute":
		return nil
	default:
		return fmt.Errorf("action %s not supported by resource", msg.Action)
	}
}
