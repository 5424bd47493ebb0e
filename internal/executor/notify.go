package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"go.uber.org/zap"
)

// NotifyExecutor отправляет сообщение другому человеку или в общий канал.
// Класс irreversible: чужой экран не откатишь, поэтому Compensator здесь
// не реализован — отсутствие метода и есть запрет отката.
type NotifyExecutor struct {
	systems Provider
	logger  *zap.Logger
}

func NewNotifyExecutor(systems Provider, logger *zap.Logger) *NotifyExecutor {
	return &NotifyExecutor{
		systems: systems,
		logger:  logger.With(zap.String("mod", "exec_notify")),
	}
}

func (e *NotifyExecutor) Type() domain.IntentType { return domain.IntentNotify }

func (e *NotifyExecutor) Reversibility() domain.ReversibilityClass {
	return domain.ReversibilityNone
}

func (e *NotifyExecutor) Validate(params map[string]string) error {
	if strings.TrimSpace(params["recipient"]) == "" {
		return fmt.Errorf("%w: recipient", domain.ErrMissingParameter)
	}
	if strings.TrimSpace(params["text"]) == "" {
		return fmt.Errorf("%w: text", domain.ErrMissingParameter)
	}
	return nil
}

func (e *NotifyExecutor) Preview(params map[string]string) string {
	return fmt.Sprintf("Send message to %s: %q", params["recipient"], params["text"])
}

func (e *NotifyExecutor) Execute(ctx context.Context, task *domain.Task) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"recipient":       task.Parameters["recipient"],
		"text":            task.Parameters["text"],
		"idempotency_key": task.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("notify: marshal payload: %w", err)
	}

	resp, err := e.systems.Call(ctx, "delivery.message.send", payload)
	if err != nil {
		return nil, fmt.Errorf("notify: send: %w", err)
	}
	e.logger.Info("notification sent",
		zap.String("task_id", task.ID),
		zap.String("recipient", task.Parameters["recipient"]))
	return resp, nil
}
