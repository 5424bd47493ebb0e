package audit

import "time"

// Виды записей журнала
const (
	KindDecision     = "DECISION"     // Вердикт шлюза по интенту
	KindExecution    = "EXECUTION"    // Запуск/исход задачи
	KindRollback     = "ROLLBACK"     // Компенсация выполненного действия
	KindClarify      = "CLARIFY"      // Уточняющий вопрос вместо задачи
	KindConfirmation = "CONFIRMATION" // Решение человека по заявке HITL
	KindReset        = "RESET"        // Сброс контекста беседы
)

// Статусы записей
const (
	StatusPlanned    = "PLANNED" // Write-ahead: намерение зафиксировано, эффекта еще не было
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
	StatusTimedOut   = "TIMED_OUT"
	StatusCancelled  = "CANCELLED"
	StatusRolledBack = "ROLLED_BACK"
)

type Record struct {
	ID             string                 `json:"id"`       // UUID записи
	TraceID        string                 `json:"trace_id"` // Сквозной ID запроса
	ConversationID string                 `json:"conversation_id"`
	ActorID        string                 `json:"actor_id"`
	TaskID         string                 `json:"task_id,omitempty"`
	IntentID       string                 `json:"intent_id,omitempty"`
	Kind           string                 `json:"kind"`
	TaskType       string                 `json:"task_type,omitempty"` // Что хотели сделать
	Parameters     map[string]interface{} `json:"parameters"`          // С какими данными

	// Контекст решения
	Mode       string  `json:"mode,omitempty"` // Вердикт шлюза: auto | confirm | clarify
	Confidence float64 `json:"confidence,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`

	// Результат
	Status           string      `json:"status"`
	Response         interface{} `json:"response"` // Что вернули пользователю
	Error            string      `json:"error,omitempty"`
	RollbackDeadline *time.Time  `json:"rollback_deadline,omitempty"` // nil — откат не предлагался
	Timestamp        time.Time   `json:"timestamp"`
	DurationMs       int64       `json:"duration_ms"` // Время обработки
}
