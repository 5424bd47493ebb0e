package domain

import "time"

// IntentType — тип распознанного намерения. Открытый тег: набор реально
// обслуживаемых типов определяет реестр исполнителей, а не этот список.
type IntentType string

const (
	IntentSchedule     IntentType = "schedule"     // Календарь: создание события
	IntentSummarize    IntentType = "summarize"    // Сводка по документам из базы знаний
	IntentAnalyze      IntentType = "analyze"      // Аналитика по найденным материалам
	IntentNotify       IntentType = "notify"       // Сообщение другому человеку (необратимо)
	IntentUnclassified IntentType = "unclassified" // Фолбэк при полной неуверенности
)

// TypeWildcard — служебное значение "для всех типов" (аналог '*' в политиках).
const TypeWildcard IntentType = "*"

// Intent — типизированная, взвешенная по уверенности интерпретация фразы
// пользователя. Иммутабелен после классификации: скорректированная уверенность
// или параметры — это уже другой Intent, старый не правится задним числом.
type Intent struct {
	ID              string            `json:"id"`       // UUID
	Type            IntentType        `json:"type"`     // Во что классифицировали
	Confidence      float64           `json:"confidence"` // [0..1]
	Parameters      map[string]string `json:"parameters"` // Извлеченные параметры (даты, заголовки, запросы)
	RawText         string            `json:"raw_text"`   // Фрагмент исходной фразы
	SourceMessageID string            `json:"source_message_id"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Clone возвращает независимую копию: мапа параметров не должна делиться
// между конкурентными исполнителями.
func (i Intent) Clone() Intent {
	cp := i
	if i.Parameters != nil {
		cp.Parameters = make(map[string]string, len(i.Parameters))
		for k, v := range i.Parameters {
			cp.Parameters[k] = v
		}
	}
	return cp
}
