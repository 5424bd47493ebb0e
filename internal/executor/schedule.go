package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"go.uber.org/zap"
)

// ScheduleExecutor создает события в календаре через внешний коннектор.
// Класс requires_effort: событие можно отменить, но приглашенные уже
// получили уведомления.
type ScheduleExecutor struct {
	systems Provider
	logger  *zap.Logger
}

func NewScheduleExecutor(systems Provider, logger *zap.Logger) *ScheduleExecutor {
	return &ScheduleExecutor{
		systems: systems,
		logger:  logger.With(zap.String("mod", "exec_schedule")),
	}
}

func (e *ScheduleExecutor) Type() domain.IntentType { return domain.IntentSchedule }

func (e *ScheduleExecutor) Reversibility() domain.ReversibilityClass {
	return domain.ReversibilityEffort
}

func (e *ScheduleExecutor) Validate(params map[string]string) error {
	if params["title"] == "" {
		return fmt.Errorf("%w: title", domain.ErrMissingParameter)
	}
	if params["when"] == "" {
		return fmt.Errorf("%w: when", domain.ErrMissingParameter)
	}
	return nil
}

func (e *ScheduleExecutor) Preview(params map[string]string) string {
	return fmt.Sprintf("Create calendar event %q at %s", params["title"], params["when"])
}

func (e *ScheduleExecutor) Execute(ctx context.Context, task *domain.Task) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"title":           task.Parameters["title"],
		"when":            task.Parameters["when"],
		"duration":        task.Parameters["duration"],
		"idempotency_key": task.IdempotencyKey, // Коннектор дедуплицирует повтор попытки
	})
	if err != nil {
		return nil, fmt.Errorf("schedule: marshal payload: %w", err)
	}

	resp, err := e.systems.Call(ctx, "calendar.event.create", payload)
	if err != nil {
		return nil, fmt.Errorf("schedule: create event: %w", err)
	}

	eventID := gjson.GetBytes(resp, "event_id").String()
	if eventID == "" {
		return nil, fmt.Errorf("schedule: connector response has no event_id")
	}
	e.logger.Info("event created",
		zap.String("task_id", task.ID),
		zap.String("event_id", eventID))
	return resp, nil
}

// Compensate отменяет созданное событие (откат в пределах окна).
func (e *ScheduleExecutor) Compensate(ctx context.Context, task *domain.Task) ([]byte, error) {
	eventID := gjson.GetBytes(task.Result, "event_id").String()
	if eventID == "" {
		return nil, fmt.Errorf("schedule: task result has no event_id to cancel")
	}

	payload, _ := json.Marshal(map[string]string{"event_id": eventID})
	resp, err := e.systems.Call(ctx, "calendar.event.cancel", payload)
	if err != nil {
		return nil, fmt.Errorf("schedule: cancel event: %w", err)
	}
	e.logger.Info("event cancelled",
		zap.String("task_id", task.ID),
		zap.String("event_id", eventID))
	return resp, nil
}
