package domain

import "time"

// Роли реплик в истории диалога
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry — одна реплика в скользящем окне диалога.
type HistoryEntry struct {
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// AutomationPreference — пользовательское смягчение шлюза по типам задач.
// true для типа означает: вердикт confirm можно понизить до auto.
// Жесткий пол по необратимости этой настройкой не пробивается.
type AutomationPreference struct {
	ActorID     string              `json:"actor_id"`
	AutoApprove map[IntentType]bool `json:"auto_approve"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// AllowsAuto — разрешил ли пользователь автономное исполнение для типа.
func (p AutomationPreference) AllowsAuto(t IntentType) bool {
	if p.AutoApprove == nil {
		return false
	}
	return p.AutoApprove[t]
}

// SessionContext — иммутабельный снимок контекста беседы на момент захвата.
// Классификатор и исполнители работают с копией; единственный, кто коммитит
// изменения обратно — оркестратор, строго по одной беседе за раз.
type SessionContext struct {
	ConversationID   string               `json:"conversation_id"`
	ActorID          string               `json:"actor_id"`
	History          []HistoryEntry       `json:"history"`           // Хвост диалога, окно ограничено
	ActiveReferences []string             `json:"active_references"` // ID документов/баз знаний в работе
	Preference       AutomationPreference `json:"preference"`
	LastResetAt      time.Time            `json:"last_reset_at"` // Нулевое время: сбросов не было
	CapturedAt       time.Time            `json:"captured_at"`
}

// Clone возвращает глубокую копию: срезы и мапы снимка не делятся
// с конкурентными потребителями.
func (sc SessionContext) Clone() SessionContext {
	cp := sc
	if sc.History != nil {
		cp.History = make([]HistoryEntry, len(sc.History))
		copy(cp.History, sc.History)
	}
	if sc.ActiveReferences != nil {
		cp.ActiveReferences = make([]string, len(sc.ActiveReferences))
		copy(cp.ActiveReferences, sc.ActiveReferences)
	}
	if sc.Preference.AutoApprove != nil {
		ap := make(map[IntentType]bool, len(sc.Preference.AutoApprove))
		for k, v := range sc.Preference.AutoApprove {
			ap[k] = v
		}
		cp.Preference.AutoApprove = ap
	}
	return cp
}
