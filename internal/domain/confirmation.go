package domain

import "time"

// Статусы State Machine подтверждений
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "PENDING"
	ConfirmationApproved ConfirmationStatus = "APPROVED"
	ConfirmationRejected ConfirmationStatus = "REJECTED"
	ConfirmationExpired  ConfirmationStatus = "EXPIRED"
)

// ConfirmationRequest — интент, приостановленный до явного "да" (HITL).
// Несет полный снимок интента, потому что задачи до одобрения НЕ существует:
// строка в tasks появляется только после решения APPROVED, и только тогда
// сюда привязывается TaskID.
type ConfirmationRequest struct {
	ID             string             `json:"id"` // UUID
	IntentID       string             `json:"intent_id"`
	ConversationID string             `json:"conversation_id"`
	ActorID        string             `json:"actor_id"`
	IntentType     IntentType         `json:"intent_type"`
	Parameters     map[string]string  `json:"parameters"`
	Preview        string             `json:"preview"`   // Что именно будет сделано
	Reasoning      string             `json:"reasoning"` // Почему шлюз не пустил в auto
	Confidence     float64            `json:"confidence"`
	Status         ConfirmationStatus `json:"status"`
	TaskID         *string            `json:"task_id,omitempty"` // Появляется после одобрения
	ReviewerID     *string            `json:"reviewer_id,omitempty"`
	Comment        *string            `json:"comment,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
}

// CanTransitionTo проверяет правила конечного автомата: решить заявку можно
// ровно один раз, из PENDING.
func (c *ConfirmationRequest) CanTransitionTo(next ConfirmationStatus) error {
	if c.Status != ConfirmationPending {
		return ErrAlreadyDecided
	}
	if next == ConfirmationPending {
		return ErrInvalidTransition
	}
	return nil
}
