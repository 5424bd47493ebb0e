package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/console/service"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetRecords возвращает список событий журнала с поддержкой фильтрации
// GET /v1/audit?conversation_id=...&task_id=...
func (h *AuditHandler) GetRecords(w http.ResponseWriter, r *http.Request) {
	// Извлекаем фильтры из Query-параметров
	conversationID := r.URL.Query().Get("conversation_id")
	taskID := r.URL.Query().Get("task_id")

	records, err := h.service.FetchRecords(r.Context(), conversationID, taskID)
	if err != nil {
		http.Error(w, "Failed to fetch audit records", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}
