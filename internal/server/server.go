package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"go.uber.org/zap"
)

// Server — HTTP-периметр движка гостевого доступа
type Server struct {
	router *chi.Mux
	logger *zap.Logger

	auth     *AuthService
	sessions *SessionHandler
}

func NewServer(logger *zap.Logger, auth *AuthService, sessions *SessionHandler) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger.Named("guestgate-api"),
		auth:     auth,
		sessions: sessions,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.auth, s.logger))

		// Статистика по живым сессиям: только для операторов движка
		r.With(RequireScope("admin")).Get("/v1/stats", s.sessions.Stats)

		// Жизненный цикл сессий
		r.Route("/v1/sessions", func(r chi.Router) {
			r.Get("/", s.sessions.ListSessions)    // Живые сессии (фильтр ?status=)
			r.Post("/", s.sessions.RequestSession) // Гость просит доступ

			// Терминальные сессии хоста
			r.Get("/archive", s.sessions.ArchivedSessions)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.sessions.GetSession)
				r.Post("/decide", s.sessions.Decide) // Approve/Reject/Modify хостом
				r.Post("/pause", s.sessions.Pause)
				r.Post("/resume", s.sessions.Resume)
				r.Delete("/", s.sessions.EndSession)

				// Сообщения и Human-in-the-loop
				r.Route("/messages", func(r chi.Router) {
					r.Get("/", s.sessions.MessageHistory)
					r.Post("/", s.sessions.SubmitMessage)
					r.Get("/pending", s.sessions.PendingMessages)
					r.Post("/{msgID}/approve", s.sessions.ApproveMessage)
					r.Post("/{msgID}/reject", s.sessions.RejectMessage)
				})

				// Комплаенс и аудит
				r.Post("/flags/{flagID}/resolve", s.sessions.ResolveFlag)
				r.Get("/audit", s.sessions.AuditLog)
			})
		})
	})
}

// login обменивает логин/пароль на RS256-токен
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, err := s.auth.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// Не различаем "нет такого" и "пароль не тот"
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(token); err != nil {
		s.logger.Error("response encoding failed", zap.Error(err))
	}
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
