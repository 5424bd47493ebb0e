package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/console/service"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra/auth"
)

type SettingsHandler struct {
	service *service.SettingsService
}

func NewSettingsHandler(s *service.SettingsService) *SettingsHandler {
	return &SettingsHandler{service: s}
}

// ListThresholds возвращает все переопределения порогов для админки
// GET /v1/thresholds
func (h *SettingsHandler) ListThresholds(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetThresholds(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch thresholds", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// GetThreshold возвращает переопределение для конкретного типа задач
// GET /v1/thresholds/{task_type}
func (h *SettingsHandler) GetThreshold(w http.ResponseWriter, r *http.Request) {
	taskType := domain.IntentType(chi.URLParam(r, "task_type"))

	o, err := h.service.GetThreshold(r.Context(), taskType)
	if err != nil {
		http.Error(w, "Failed to fetch threshold", http.StatusInternalServerError)
		return
	}
	if o == nil {
		http.Error(w, "No override for this task type", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(o)
}

type thresholdRequest struct {
	Thresholds domain.ThresholdSet `json:"thresholds"`
}

// UpsertThreshold создает или правит переопределение порогов.
// PUT /v1/thresholds/{task_type}; task_type "*" задает глобальное правило.
func (h *SettingsHandler) UpsertThreshold(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "task_type")

	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o := &domain.ThresholdOverride{
		TaskType:   domain.IntentType(taskType),
		Thresholds: req.Thresholds,
		UpdatedBy:  auth.ActorIDFromContext(r.Context()),
		UpdatedAt:  time.Now(),
	}
	if err := h.service.UpsertThreshold(r.Context(), o); err != nil {
		if errors.Is(err, domain.ErrInvalidThresholds) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteThreshold снимает переопределение, тип возвращается к дефолтам
// DELETE /v1/thresholds/{task_type}
func (h *SettingsHandler) DeleteThreshold(w http.ResponseWriter, r *http.Request) {
	taskType := domain.IntentType(chi.URLParam(r, "task_type"))

	if err := h.service.DeleteThreshold(r.Context(), taskType); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPreferences возвращает разрешения автоматизации всех пользователей
// GET /v1/preferences
func (h *SettingsHandler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetPreferences(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch preferences", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// GetPreference возвращает разрешения конкретного пользователя
// GET /v1/preferences/{actor_id}
func (h *SettingsHandler) GetPreference(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actor_id")

	p, err := h.service.GetPreference(r.Context(), actorID)
	if err != nil {
		http.Error(w, "Failed to fetch preference", http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.Error(w, "No preference stored for this actor", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

type preferenceRequest struct {
	AutoApprove map[domain.IntentType]bool `json:"auto_approve"`
}

// UpsertPreference правит разрешения автоматизации пользователя
// PUT /v1/preferences/{actor_id}
func (h *SettingsHandler) UpsertPreference(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actor_id")

	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p := &domain.AutomationPreference{
		ActorID:     actorID,
		AutoApprove: req.AutoApprove,
		UpdatedAt:   time.Now(),
	}
	if err := h.service.UpsertPreference(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
