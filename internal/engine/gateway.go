package engine

/*
Файл gateway.go — HTTP-вход движка (Assistant API).

Маршруты:

	POST /v1/messages                 — сообщение пользователя, вход конвейера
	GET  /v1/tasks/{id}               — статус задачи
	POST /v1/tasks/{id}/cancel        — отмена задачи (best-effort)
	POST /v1/tasks/{id}/rollback      — компенсация в пределах окна отката
	POST /v1/confirmations/{id}/ack   — решение по заявке HITL
	POST /v1/conversations/{id}/reset — сброс контекста беседы
	GET  /health                      — живость зависимостей

Аутентификация JWT (RS256) обязательна на всех /v1/* маршрутах: actor_id
берется из валидированного токена, а не из тела запроса. Подменить автора
действия телом нельзя.
*/

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra/auth"
	"go.uber.org/zap"
)

type Gateway struct {
	core   *Orchestrator
	logger *zap.Logger
}

func NewGateway(core *Orchestrator, logger *zap.Logger) *Gateway {
	return &Gateway{
		core:   core,
		logger: logger.With(zap.String("mod", "gateway")),
	}
}

// Routes собирает маршрутизатор движка: трассировка снаружи, JWT на /v1/*.
func (g *Gateway) Routes(validator auth.TokenValidator) http.Handler {
	root := chi.NewRouter()
	root.Get("/health", g.handleHealth)
	root.Route("/v1", func(api chi.Router) {
		api.Use(auth.NewMiddleware(validator, g.logger))
		api.Post("/messages", g.handleMessage)
		api.Get("/tasks/{id}", g.handleTaskStatus)
		api.Post("/tasks/{id}/cancel", g.handleTaskCancel)
		api.Post("/tasks/{id}/rollback", g.handleTaskRollback)
		api.Post("/confirmations/{id}/ack", g.handleConfirmationAck)
		api.Post("/conversations/{id}/reset", g.handleConversationReset)
	})
	return TracingMiddleware(root)
}

type messageRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		g.writeError(w, r, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Text == "" {
		g.writeError(w, r, http.StatusBadRequest, "text is required")
		return
	}
	if req.ConversationID == "" {
		g.writeError(w, r, http.StatusBadRequest, "conversation_id is required")
		return
	}

	actorID := auth.ActorIDFromContext(r.Context())
	resp, err := g.core.HandleMessage(r.Context(), req.ConversationID, req.Text, actorID)
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	t, err := g.core.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	actorID := auth.ActorIDFromContext(r.Context())
	t, err := g.core.CancelTask(r.Context(), chi.URLParam(r, "id"), actorID)
	if err != nil {
		// Терминальная задача приходит вместе с отказом: клиенту виден
		// состоявшийся исход, который остается в силе
		status := statusFromErr(err)
		if t != nil && status == http.StatusConflict {
			g.writeJSON(w, status, map[string]interface{}{
				"error": err.Error(),
				"task":  t,
			})
			return
		}
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task":         t,
		"user_message": "Cancellation requested. If the action is still running, its result will be discarded.",
	})
}

func (g *Gateway) handleTaskRollback(w http.ResponseWriter, r *http.Request) {
	actorID := auth.ActorIDFromContext(r.Context())
	t, result, err := g.core.RollbackTask(r.Context(), chi.URLParam(r, "id"), actorID)
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":         t,
		"result":       json.RawMessage(result),
		"user_message": "The action was rolled back.",
	})
}

type ackRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment"`
}

func (g *Gateway) handleConfirmationAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		g.writeError(w, r, http.StatusBadRequest, "invalid json body")
		return
	}

	actorID := auth.ActorIDFromContext(r.Context())
	out, err := g.core.ResolveConfirmation(r.Context(), chi.URLParam(r, "id"), actorID, req.Approve, req.Comment)
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleConversationReset(w http.ResponseWriter, r *http.Request) {
	actorID := auth.ActorIDFromContext(r.Context())
	conversationID := chi.URLParam(r, "id")
	if err := g.core.ResetConversation(r.Context(), conversationID, actorID); err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": conversationID,
		"status":          "reset",
		"user_message":    "Context cleared. We can start a new topic; past actions remain on record.",
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := g.core.Health(r.Context()); err != nil {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"intents": g.core.ServedIntents(),
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	g.writeJSON(w, status, map[string]string{
		"error":    msg,
		"trace_id": extractTraceID(r.Context()),
	})
}

// writeFailure отображает доменные сентинели в HTTP-статусы. Внутренние
// ошибки наружу не утекают: клиент получает trace_id для обращения в поддержку.
func (g *Gateway) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFromErr(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed",
			zap.String("trace_id", extractTraceID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		g.writeError(w, r, status, "internal error")
		return
	}
	g.writeError(w, r, status, err.Error())
}

func statusFromErr(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrConfirmationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConfirmationExpired),
		errors.Is(err, domain.ErrRollbackExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrAlreadyDecided),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyRolledBack),
		errors.Is(err, domain.ErrRollbackUnsupported),
		errors.Is(err, domain.ErrTaskExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
