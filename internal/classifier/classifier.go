package classifier

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
)

/*
Classifier превращает свободную фразу пользователя в список типизированных
интентов с уверенностью и извлеченными параметрами.

Контракт жесткий, и он важнее качества разбора:

 1. Никогда не возвращает ошибку и никогда не возвращает пустой список.
    При полной неуверенности приходит один интент unclassified с нулевой
    уверенностью, и шлюз ниже по конвейеру сам превратит его в уточняющий
    вопрос.
 2. Multi-intent: одна фраза может породить несколько независимых интентов,
    каждый со своей уверенностью и своими параметрами.
 3. Неоднозначность не прячется. Если два типа-кандидата претендуют на один
    и тот же фрагмент почти вровень, уверенность обоих прижимается ниже
    порога auto: спорная интерпретация не имеет права исполниться автономно.
 4. Недостающие обязательные параметры снижают уверенность интента, а не
    порождают кривой интент и не роняют разбор.
*/
type Classifier interface {
	Classify(ctx context.Context, messageID, text string, sc domain.SessionContext) []domain.Intent
}

// Провайдеры классификации
const (
	ProviderRules = "rules"
	ProviderLLM   = "llm"
)

// New выбирает провайдера по конфигурации. LLM-провайдер всегда несет под
// собой rules как фолбэк: при любом сбое модели качество деградирует,
// но конвейер продолжает работать.
func New(cfg infra.ClassifierConfig, gate infra.GateConfig, logger *zap.Logger) Classifier {
	rules := NewRuleClassifier(cfg, gate, logger)
	if cfg.Provider == ProviderLLM {
		return NewLLMClassifier(cfg, rules, logger)
	}
	return rules
}

// requiredParams — без каких параметров исполнитель типа работать не сможет.
// Список согласован с Validate исполнителей: интент с дырой здесь все равно
// не прошел бы валидацию перед запуском.
var requiredParams = map[domain.IntentType][]string{
	domain.IntentSchedule:  {"title", "when"},
	domain.IntentSummarize: {"query"},
	domain.IntentAnalyze:   {"query"},
	domain.IntentNotify:    {"recipient", "text"},
}

const (
	// Потолок уверенности правил: словарь не бывает уверен абсолютно
	ruleCeiling = 0.98
	// Множитель за каждый отсутствующий обязательный параметр
	missingParamDiscount = 0.72
	// Насколько ниже порога auto прижимаются неоднозначные пары
	ambiguityStep = 0.01
)

func newIntent(t domain.IntentType, conf float64, params map[string]string, rawText, messageID string) domain.Intent {
	if params == nil {
		params = map[string]string{}
	}
	return domain.Intent{
		ID:              uuid.NewString(),
		Type:            t,
		Confidence:      conf,
		Parameters:      params,
		RawText:         rawText,
		SourceMessageID: messageID,
		CreatedAt:       time.Now(),
	}
}

// unclassifiedIntent — фолбэк полного непонимания. Вниз по конвейеру такой
// интент гарантированно уходит в clarify, задача по нему не создается.
func unclassifiedIntent(messageID, text string) domain.Intent {
	return newIntent(domain.IntentUnclassified, 0, nil, text, messageID)
}

// discountMissing возвращает уверенность с учетом недостающих обязательных
// параметров типа и сам список дыр.
func discountMissing(t domain.IntentType, conf float64, params map[string]string) (float64, []string) {
	var missing []string
	for _, name := range requiredParams[t] {
		if strings.TrimSpace(params[name]) == "" {
			missing = append(missing, name)
			conf *= missingParamDiscount
		}
	}
	return conf, missing
}

// capCompeting прижимает конкурирующие интерпретации одного фрагмента ниже
// порога auto. Схлопывать их нельзя: выбор между почти равными кандидатами
// принадлежит пользователю, а не весовой таблице.
func capCompeting(intents []domain.Intent, margin, autoThreshold float64) []domain.Intent {
	ceiling := autoThreshold - ambiguityStep

	byFragment := map[string][]int{}
	for i, in := range intents {
		byFragment[in.RawText] = append(byFragment[in.RawText], i)
	}

	for _, idx := range byFragment {
		if len(idx) < 2 {
			continue
		}
		best, second := -1.0, -1.0
		for _, i := range idx {
			c := intents[i].Confidence
			if c > best {
				second = best
				best = c
			} else if c > second {
				second = c
			}
		}
		// Неоднозначность есть, только если второй кандидат дышит первому в спину
		if best-second >= margin {
			continue
		}
		for _, i := range idx {
			if best-intents[i].Confidence < margin && intents[i].Confidence > ceiling {
				intents[i].Confidence = ceiling
			}
		}
	}
	return intents
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
