package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra/auth"
)

// TaskViewService описываем, что нам нужно от сервиса
type TaskViewService interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Task, error)
	RequestCancel(ctx context.Context, taskID, requestedBy string) (*domain.Task, error)
}

type TaskHandler struct {
	service TaskViewService
}

func NewTaskHandler(s TaskViewService) *TaskHandler {
	return &TaskHandler{service: s}
}

// List возвращает задачи беседы, свежие сверху
// GET /v1/tasks?conversation_id=...&limit=50
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tasks, err := h.service.ListByConversation(r.Context(), conversationID, limit)
	if err != nil {
		http.Error(w, "Failed to fetch tasks", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tasks)
}

// Get возвращает одну задачу со статусом и результатом
// GET /v1/tasks/{id}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to fetch task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

// Cancel просит снять задачу от имени оператора
// POST /v1/tasks/{id}/cancel
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	requestedBy := auth.ActorIDFromContext(r.Context())
	t, err := h.service.RequestCancel(r.Context(), chi.URLParam(r, "id"), requestedBy)

	w.Header().Set("Content-Type", "application/json")
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(t)
	case errors.Is(err, domain.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition):
		// Терминальную задачу не отменить: показываем состоявшийся исход
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "task already finished",
			"task":  t,
		})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
