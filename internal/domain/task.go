package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// ReversibilityClass — насколько легко откатить последствия действия.
// Фиксируется исполнителем при регистрации и не пересматривается на лету.
type ReversibilityClass string

const (
	ReversibilityEasy   ReversibilityClass = "easily_undoable" // Откат тривиален (удалить черновик)
	ReversibilityEffort ReversibilityClass = "requires_effort" // Откат возможен, но с побочными эффектами
	ReversibilityNone   ReversibilityClass = "irreversible"    // Отката нет (письмо уже ушло)
)

// Undoable — предлагается ли откат для данного класса вообще.
func (rc ReversibilityClass) Undoable() bool {
	return rc == ReversibilityEasy || rc == ReversibilityEffort
}

// Статусы State Machine задачи
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskRetrying  TaskStatus = "retrying"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal — достигла ли задача состояния, в котором диспетчер больше
// не планирует попыток.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// Task — единица работы, порожденная ровно одним Intent. Частичный провал
// батча — это данные (статус конкретной задачи), а не ошибка всего запроса.
type Task struct {
	ID             string             `json:"id"` // UUID
	IntentID       string             `json:"intent_id"`
	ConversationID string             `json:"conversation_id"`
	ActorID        string             `json:"actor_id"`
	Type           IntentType         `json:"type"` // Ключ маршрутизации в реестре исполнителей
	IdempotencyKey string             `json:"idempotency_key"`
	Status         TaskStatus         `json:"status"`
	Reversibility  ReversibilityClass `json:"reversibility"`
	Parameters     map[string]string  `json:"parameters"`
	Result         json.RawMessage    `json:"result,omitempty"`
	ErrorMessage   string             `json:"error,omitempty"`
	Attempts       int                `json:"attempts"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`

	// Окно отката. Проставляется при успешном завершении обратимой задачи,
	// nil — откат не предлагался (необратимый класс или провал).
	RollbackDeadline *time.Time `json:"rollback_deadline,omitempty"`
	RolledBackAt     *time.Time `json:"rolled_back_at,omitempty"`
}

// RollbackOpen — можно ли еще откатить задачу в момент now.
func (t *Task) RollbackOpen(now time.Time) bool {
	return t.RollbackDeadline != nil && now.Before(*t.RollbackDeadline)
}

// IdempotencyKey детерминированно сворачивает смысл задачи: та же просьба
// в той же беседе дает тот же ключ независимо от порядка параметров.
func IdempotencyKey(conversationID string, t IntentType, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	io.WriteString(h, conversationID)
	io.WriteString(h, "|")
	io.WriteString(h, string(t))
	for _, k := range keys {
		io.WriteString(h, "|")
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Допустимые переходы конечного автомата:
// pending → running → {completed|failed|timed_out|cancelled};
// failed|timed_out → retrying → running, пока не исчерпан лимит попыток.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskRunning, TaskCancelled},
	TaskRunning:  {TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled},
	TaskFailed:   {TaskRetrying},
	TaskTimedOut: {TaskRetrying},
	TaskRetrying: {TaskRunning, TaskCancelled},
}

// CanTransitionTo проверяет правила конечного автомата.
func (t *Task) CanTransitionTo(next TaskStatus) error {
	for _, allowed := range taskTransitions[t.Status] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
}

// Transition переводит задачу в новое состояние с валидацией автомата.
func (t *Task) Transition(next TaskStatus, now time.Time) error {
	if err := t.CanTransitionTo(next); err != nil {
		return err
	}
	switch next {
	case TaskRunning:
		if t.StartedAt == nil {
			ts := now
			t.StartedAt = &ts
		}
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled:
		ts := now
		t.FinishedAt = &ts
	}
	t.Status = next
	return nil
}
