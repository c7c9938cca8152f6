package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/guestgate-engine/internal/bus"
	"github.com/xela07ax/guestgate-engine/internal/domain"
)

type Metrics struct {
	// Traffic: переходы жизненного цикла по типам событий
	Transitions *prometheus.CounterVec

	// Traffic: сообщения по исходу (processed, gated, approved, rejected)
	Messages *prometheus.CounterVec

	// Saturation: живые сессии по статусу
	LiveSessions *prometheus.GaugeVec

	// Errors: отказы HTTP-периметра по типам доменных ошибок
	ErrorTotal *prometheus.CounterVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guestgate_session_transitions_total",
			Help: "Total number of session lifecycle transitions by event type.",
		}, []string{"event"}),

		Messages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guestgate_messages_total",
			Help: "Total number of guest messages by outcome.",
		}, []string{"outcome"}),

		LiveSessions: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "guestgate_live_sessions",
			Help: "Number of in-memory sessions by status.",
		}, []string{"status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guestgate_errors_total",
			Help: "Total number of rejected operations by type.",
		}, []string{"type"}), // типы: validation, not_found, permission_denied, invalid_state, persistence, internal

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "guestgate_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

// ObserveBus вешает wildcard-подписки на шину: каждый переход и каждое
// решение по сообщению попадает в счетчики без участия хендлеров.
func (m *Metrics) ObserveBus(b *bus.Bus) {
	b.SubscribeLifecycle(bus.SessionWildcard, func(evt domain.SessionEvent) {
		m.Transitions.WithLabelValues(string(evt.Type)).Inc()
	})
	b.SubscribeMessages(bus.SessionWildcard, func(evt domain.SessionEvent) {
		switch evt.Type {
		case domain.EventMessageProcessed:
			m.Messages.WithLabelValues("processed").Inc()
		case domain.EventMessageGated:
			m.Messages.WithLabelValues("gated").Inc()
		case domain.EventMessageApproved:
			m.Messages.WithLabelValues("approved").Inc()
		case domain.EventMessageRejected:
			m.Messages.WithLabelValues("rejected").Inc()
		case domain.EventMessageSubmitted:
			m.Messages.WithLabelValues("submitted").Inc()
		}
	})
}

// SyncSessions пересчитывает gauge живых сессий. Вызывается по тикеру
// из main, а не на каждом переходе: снапшот дешевый, а точность до
// секунды для графиков достаточна.
func (m *Metrics) SyncSessions(sessions []*domain.Session) {
	counts := map[domain.SessionStatus]int{
		domain.SessionPending: 0,
		domain.SessionActive:  0,
		domain.SessionPaused:  0,
	}
	for _, s := range sessions {
		counts[s.Status]++
	}
	for status, n := range counts {
		m.LiveSessions.WithLabelValues(string(status)).Set(float64(n))
	}
}
