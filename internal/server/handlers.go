package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/guestgate-engine/internal/audit"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"github.com/xela07ax/guestgate-engine/internal/registry"
	"go.uber.org/zap"
)

// SessionHandler — HTTP-фасад реестра. Вся бизнес-логика живет в registry,
// здесь только декодирование, маппинг ошибок и коды ответов.
type SessionHandler struct {
	reg     *registry.Registry
	archive ArchiveReader
	auditor AuditReader
	metrics *Metrics
	logger  *zap.Logger
}

// ArchiveReader — доступ на чтение к архиву терминальных сессий
type ArchiveReader interface {
	GetArchived(ctx context.Context, id string) (*domain.Session, error)
	ListArchived(ctx context.Context, hostID string, limit int) ([]*domain.Session, error)
}

// AuditReader — чтение журнала аудита для консоли хоста
type AuditReader interface {
	FetchEntries(ctx context.Context, sessionID string, limit int) ([]audit.Entry, error)
}

func NewSessionHandler(reg *registry.Registry, archive ArchiveReader, auditor AuditReader, metrics *Metrics, logger *zap.Logger) *SessionHandler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &SessionHandler{
		reg:     reg,
		archive: archive,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.Named("http"),
	}
}

// --- Lifecycle ---

func (h *SessionHandler) RequestSession(w http.ResponseWriter, r *http.Request) {
	var in registry.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// Гость — это вызывающий; подменить guest_id чужим токеном нельзя
	in.GuestID = CallerID(r.Context())

	s, err := h.reg.RequestSession(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, s)
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.reg.GetSession(id)
	if err != nil {
		// Живой нет — пробуем архив
		if errors.Is(err, domain.ErrNotFound) && h.archive != nil {
			if archived, aerr := h.archive.GetArchived(r.Context(), id); aerr == nil {
				h.respondJSON(w, http.StatusOK, archived)
				return
			}
		}
		h.writeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, s)
}

func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []*domain.Session
	switch r.URL.Query().Get("status") {
	case "active":
		sessions = h.reg.ActiveSessions()
	case "pending":
		sessions = h.reg.PendingSessions()
	default:
		sessions = h.reg.ListSessions()
	}
	h.respondJSON(w, http.StatusOK, sessions)
}

func (h *SessionHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var in registry.DecisionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in.DecidedBy = CallerID(r.Context())

	if err := h.reg.Decide(r.Context(), id, in); err != nil {
		h.writeError(w, err)
		return
	}

	s, err := h.reg.GetSession(id)
	if err != nil {
		// Reject архивирует сразу: живой записи больше нет
		h.respondJSON(w, http.StatusOK, map[string]string{"session_id": id, "result": in.Action})
		return
	}
	h.respondJSON(w, http.StatusOK, s)
}

func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.reg.Pause(r.Context(), id, CallerID(r.Context())); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.reg.Resume(r.Context(), id, CallerID(r.Context())); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Причина завершения зависит от роли вызывающего
	reason := domain.ReasonHostEnded
	if s, err := h.reg.GetSession(id); err == nil && s.GuestID == CallerID(r.Context()) {
		reason = domain.ReasonGuestEnded
	}

	if err := h.reg.EndSession(r.Context(), id, reason); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Messages ---

func (h *SessionHandler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var in registry.MessageInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in.Sender = CallerID(r.Context())

	msg, gated, err := h.reg.SubmitMessage(r.Context(), id, in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if gated {
		// Сообщение принято, но ждет одобрения хоста
		status = http.StatusAccepted
	}
	h.respondJSON(w, status, msg)
}

func (h *SessionHandler) MessageHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.reg.GetSession(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.reg.MessageHistory(id))
}

func (h *SessionHandler) PendingMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := h.reg.PendingMessages(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, msgs)
}

func (h *SessionHandler) ApproveMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "msgID")

	msg, err := h.reg.ApproveMessage(r.Context(), sessionID, messageID, CallerID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, msg)
}

func (h *SessionHandler) RejectMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "msgID")

	msg, err := h.reg.RejectMessage(r.Context(), sessionID, messageID, CallerID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, msg)
}

// --- Compliance & Observability ---

func (h *SessionHandler) ResolveFlag(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	flagID := chi.URLParam(r, "flagID")

	if err := h.reg.ResolveFlag(r.Context(), sessionID, flagID, CallerID(r.Context())); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	sessions := h.reg.ListSessions()

	stats := map[string]int{"total": len(sessions)}
	for _, s := range sessions {
		stats[string(s.Status)]++
	}
	h.respondJSON(w, http.StatusOK, stats)
}

func (h *SessionHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.auditor.FetchEntries(r.Context(), sessionID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, entries)
}

func (h *SessionHandler) ArchivedSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := h.archive.ListArchived(r.Context(), CallerID(r.Context()), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sessions)
}

// --- Helpers ---

func (h *SessionHandler) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encoding failed", zap.Error(err))
	}
}

// writeError переводит доменные ошибки в HTTP-коды.
// Внутренности PersistenceError наружу не утекают.
func (h *SessionHandler) writeError(w http.ResponseWriter, err error) {
	var pErr *domain.PersistenceError

	switch {
	case errors.Is(err, domain.ErrValidation):
		h.metrics.ErrorTotal.WithLabelValues("validation").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		h.metrics.ErrorTotal.WithLabelValues("not_found").Inc()
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrPermissionDenied):
		h.metrics.ErrorTotal.WithLabelValues("permission_denied").Inc()
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrAlreadyProcessed):
		h.metrics.ErrorTotal.WithLabelValues("invalid_state").Inc()
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &pErr):
		h.metrics.ErrorTotal.WithLabelValues("persistence").Inc()
		h.logger.Error("persistence failure", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
	default:
		h.metrics.ErrorTotal.WithLabelValues("internal").Inc()
		h.logger.Error("unhandled error", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
