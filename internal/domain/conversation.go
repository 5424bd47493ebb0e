package domain

import "time"

// Conversation — постоянная запись о беседе. Сама история лежит в Redis
// скользящим окном; здесь — привязка к актору и учет сбросов.
type Conversation struct {
	ID      string `json:"id"` // UUID
	ActorID string `json:"actor_id"`

	// Метаданные для Observability
	LastActivity time.Time  `json:"last_activity"` // Последнее принятое сообщение
	LastResetAt  *time.Time `json:"last_reset_at,omitempty"`
	ResetCount   int        `json:"reset_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// Дополнительные данные (канал, версия клиента и т.д.)
	Metadata map[string]interface{} `json:"metadata"`
}
