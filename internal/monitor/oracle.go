package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/guestgate-engine/internal/domain"
)

// HistoryProvider отдает сообщения сессии для контентного анализа
type HistoryProvider interface {
	MessageHistory(sessionID string) []*domain.GuestMessage
}

// criticalMarkers — маркеры, дающие critical-флаг (и немедленное завершение)
var criticalMarkers = []string{
	"credential", "private key", "exfiltrate", "api_secret",
}

// TopicOracle — дефолтная реализация compliance oracle: контентный скан
// сообщений сессии. Гостевые сообщения с critical-маркерами дают
// severity=critical, совпадения по restricted topics — severity=high.
// Каждое сообщение флагуется не более одного раза (seen-множество),
// иначе каждый обход плодил бы дубликаты append-only флагов.
type TopicOracle struct {
	history HistoryProvider

	mu   sync.Mutex
	seen map[string]map[string]struct{} // sessionID -> message IDs уже оцененные
}

func NewTopicOracle(history HistoryProvider) *TopicOracle {
	return &TopicOracle{
		history: history,
		seen:    make(map[string]map[string]struct{}),
	}
}

func (o *TopicOracle) Evaluate(ctx context.Context, s *domain.Session) ([]domain.ComplianceFlag, error) {
	o.mu.Lock()
	seen := o.seen[s.ID]
	if seen == nil {
		seen = make(map[string]struct{})
		o.seen[s.ID] = seen
	}
	o.mu.Unlock()

	var flags []domain.ComplianceFlag
	for _, msg := range o.history.MessageHistory(s.ID) {
		o.mu.Lock()
		_, done := seen[msg.ID]
		if !done {
			seen[msg.ID] = struct{}{}
		}
		o.mu.Unlock()
		if done {
			continue
		}

		lower := strings.ToLower(msg.Content)

		for _, marker := range criticalMarkers {
			if strings.Contains(lower, marker) {
				flags = append(flags, domain.ComplianceFlag{
					ID:          uuid.New().String(),
					Type:        "sensitive_content",
					Severity:    domain.SeverityCritical,
					Description: "message content matched critical marker: " + marker,
					FlaggedAt:   time.Now(),
				})
				break
			}
		}

		for _, topic := range s.Settings.RestrictedTopics {
			if topic != "" && strings.Contains(lower, strings.ToLower(topic)) {
				flags = append(flags, domain.ComplianceFlag{
					ID:          uuid.New().String(),
					Type:        "restricted_topic",
					Severity:    domain.SeverityHigh,
					Description: "message content matched restricted topic: " + topic,
					FlaggedAt:   time.Now(),
				})
				break
			}
		}
	}

	return flags, nil
}

// Forget чистит seen-множество завершенной сессии
func (o *TopicOracle) Forget(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.seen, sessionID)
}
