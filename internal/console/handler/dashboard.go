package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

// DashboardService описываем, что нам нужно от сервиса
type DashboardService interface {
	GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error)
	GetOverview(ctx context.Context) (*domain.UnifiedDashboard, error)
}

type DashboardHandler struct {
	service DashboardService
}

func NewDashboardHandler(s DashboardService) *DashboardHandler {
	return &DashboardHandler{service: s}
}

// GetStats — агрегаты за все время: доля автоматизации, топ интентов,
// раскладка задач по статусам.
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetGlobalStats(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// GetOverview — оперативная сводка за последний час: нагрузка, очередь HITL,
// провалы и латентность.
func (h *DashboardHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.service.GetOverview(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch overview", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(overview)
}
