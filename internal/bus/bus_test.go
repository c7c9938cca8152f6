package bus

import (
	"testing"
	"time"

	"github.com/xela07ax/guestgate-engine/internal/domain"
	"go.uber.org/zap"
)

func event(t domain.EventType, sessionID string) domain.SessionEvent {
	return domain.SessionEvent{Type: t, SessionID: sessionID, Timestamp: time.Now()}
}

func TestPublishRoutesByChannel(t *testing.T) {
	b := New(zap.NewNop())

	var lifecycle, messages []domain.EventType
	b.SubscribeLifecycle("s1", func(evt domain.SessionEvent) {
		lifecycle = append(lifecycle, evt.Type)
	})
	b.SubscribeMessages("s1", func(evt domain.SessionEvent) {
		messages = append(messages, evt.Type)
	})

	b.Publish(event(domain.EventStarted, "s1"))
	b.Publish(event(domain.EventMessageGated, "s1"))
	b.Publish(event(domain.EventEnded, "s1"))

	if len(lifecycle) != 2 || lifecycle[0] != domain.EventStarted || lifecycle[1] != domain.EventEnded {
		t.Errorf("lifecycle channel got %v", lifecycle)
	}
	if len(messages) != 1 || messages[0] != domain.EventMessageGated {
		t.Errorf("messages channel got %v", messages)
	}
}

func TestPublishIsolatesSessions(t *testing.T) {
	b := New(zap.NewNop())

	var got int
	b.SubscribeLifecycle("s1", func(evt domain.SessionEvent) { got++ })

	b.Publish(event(domain.EventStarted, "s2"))
	if got != 0 {
		t.Error("subscriber received event of foreign session")
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := New(zap.NewNop())

	var seen []string
	b.SubscribeLifecycle(SessionWildcard, func(evt domain.SessionEvent) {
		seen = append(seen, evt.SessionID)
	})

	b.Publish(event(domain.EventStarted, "s1"))
	b.Publish(event(domain.EventEnded, "s2"))

	if len(seen) != 2 || seen[0] != "s1" || seen[1] != "s2" {
		t.Errorf("wildcard subscriber got %v", seen)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := New(zap.NewNop())

	var delivered bool
	b.SubscribeLifecycle("s1", func(evt domain.SessionEvent) { panic("boom") })
	b.SubscribeLifecycle("s1", func(evt domain.SessionEvent) { delivered = true })

	// Паника первого подписчика не должна прервать публикацию
	b.Publish(event(domain.EventStarted, "s1"))

	if !delivered {
		t.Error("panic in one subscriber blocked delivery to the next")
	}
}

func TestDropSession(t *testing.T) {
	b := New(zap.NewNop())

	var got int
	b.SubscribeLifecycle("s1", func(evt domain.SessionEvent) { got++ })
	b.SubscribeMessages("s1", func(evt domain.SessionEvent) { got++ })

	b.DropSession("s1")

	b.Publish(event(domain.EventEnded, "s1"))
	b.Publish(event(domain.EventMessageProcessed, "s1"))

	if got != 0 {
		t.Error("dropped session still has live subscribers")
	}
}
