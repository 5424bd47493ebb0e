package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/console/handler"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256 токенов на защищенном периметре
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler     *handler.AuthHandler      // /auth/token
	approvalHandler *handler.ApprovalHandler  // /v1/approvals (HITL)
	settingsHandler *handler.SettingsHandler  // /v1/thresholds, /v1/preferences
	taskHandler     *handler.TaskHandler      // /v1/tasks
	dashHandler     *handler.DashboardHandler // /api/v1/dashboard
	auditHandler    *handler.AuditHandler     // /v1/audit
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	approvalH *handler.ApprovalHandler,
	settingsH *handler.SettingsHandler,
	taskH *handler.TaskHandler,
	dashH *handler.DashboardHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		authHandler:     authH,
		approvalHandler: approvalH,
		settingsHandler: settingsH,
		taskHandler:     taskH,
		dashHandler:     dashH,
		auditHandler:    auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (требует RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Dashboard & Stats
		r.Get("/api/v1/dashboard/stats", s.dashHandler.GetStats)
		r.Get("/api/v1/dashboard/overview", s.dashHandler.GetOverview)

		// Human-in-the-loop: очередь заявок на подтверждение
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.Post("/decide", s.approvalHandler.Decide) // Approve/Reject + Redis Publish
			})
		})

		// Пороги шлюза уверенности (переопределения по типам задач)
		r.Route("/v1/thresholds", func(r chi.Router) {
			r.Get("/", s.settingsHandler.ListThresholds)
			r.Route("/{task_type}", func(r chi.Router) {
				r.Get("/", s.settingsHandler.GetThreshold)
				r.Put("/", s.settingsHandler.UpsertThreshold)
				r.Delete("/", s.settingsHandler.DeleteThreshold)
			})
		})

		// Разрешения автоматизации пользователей
		r.Route("/v1/preferences", func(r chi.Router) {
			r.Get("/", s.settingsHandler.ListPreferences)
			r.Route("/{actor_id}", func(r chi.Router) {
				r.Get("/", s.settingsHandler.GetPreference)
				r.Put("/", s.settingsHandler.UpsertPreference)
			})
		})

		// Обзор задач и операторская отмена
		r.Route("/v1/tasks", func(r chi.Router) {
			r.Get("/", s.taskHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.taskHandler.Get)
				r.Post("/cancel", s.taskHandler.Cancel)
			})
		})

		// Журнал аудита (Observability)
		r.Get("/v1/audit", s.auditHandler.GetRecords)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
