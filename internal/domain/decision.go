package domain

import "time"

// ExecutionMode — вердикт шлюза уверенности по одному интенту.
type ExecutionMode string

const (
	ModeAuto    ExecutionMode = "auto"    // Исполнять автономно, без вопросов
	ModeConfirm ExecutionMode = "confirm" // Показать план и ждать явного подтверждения
	ModeClarify ExecutionMode = "clarify" // Задать уточняющий вопрос, задачу не создавать
)

// GateDecision — зафиксированное решение шлюза. Пишется в аудит до любого
// побочного эффекта, поэтому несет и использованный порог, и обоснование.
type GateDecision struct {
	IntentID       string        `json:"intent_id"`
	TaskID         string        `json:"task_id,omitempty"` // Пусто для clarify
	Mode           ExecutionMode `json:"mode"`
	Confidence     float64       `json:"confidence"`
	ThresholdUsed  float64       `json:"threshold_used"`
	Reasoning      string        `json:"reasoning"`       // Человекочитаемое "почему именно так"
	PreferenceUsed bool          `json:"preference_used"` // Сработало ли пользовательское смягчение
}

// ThresholdSet — действующие пороги шлюза для одного типа задач.
// Инварианты: Clarify <= Confirm <= Auto, все в [0..1].
type ThresholdSet struct {
	Auto    float64 `json:"auto"`    // >= Auto — можно исполнять автономно
	Confirm float64 `json:"confirm"` // >= Confirm — подтверждение без развернутого обоснования
	Clarify float64 `json:"clarify"` // >= Clarify — подтверждение с обоснованием, ниже — уточнение
}

// Valid проверяет монотонность порогов.
func (ts ThresholdSet) Valid() bool {
	return ts.Clarify >= 0 && ts.Clarify <= ts.Confirm && ts.Confirm <= ts.Auto && ts.Auto <= 1
}

// DefaultThresholds — базовая калибровка шлюза.
func DefaultThresholds() ThresholdSet {
	return ThresholdSet{Auto: 0.95, Confirm: 0.85, Clarify: 0.70}
}

// ThresholdOverride — переопределение порогов для конкретного типа задач.
// TypeWildcard задает глобальное правило, точное совпадение типа приоритетнее.
type ThresholdOverride struct {
	TaskType   IntentType   `json:"task_type"`
	Thresholds ThresholdSet `json:"thresholds"`
	UpdatedBy  string       `json:"updated_by"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
