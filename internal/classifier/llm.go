package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/tidwall/gjson"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
)

/*
LLMClassifier разбирает фразу через OpenAI Chat Completions.

Модель просят вернуть строгий JSON со списком интентов; ответ валидируется
и проходит ту же постобработку, что и у правил: штраф за недостающие
параметры и прижатие неоднозначных пар. Любой сбой на любом шаге (сеть,
таймаут, кривой JSON, галлюцинированные типы) приводит не к ошибке,
а к деградации на RuleClassifier.
*/
type LLMClassifier struct {
	client     openai.Client
	model      string
	maxIntents int
	fallback   *RuleClassifier
	timeout    time.Duration
	logger     *zap.Logger
}

const (
	llmTimeout  = 10 * time.Second
	historyTail = 10 // Сколько последних реплик окна показываем модели
)

func NewLLMClassifier(cfg infra.ClassifierConfig, fallback *RuleClassifier, logger *zap.Logger) *LLMClassifier {
	maxIntents := cfg.MaxIntents
	if maxIntents <= 0 {
		maxIntents = 3
	}
	return &LLMClassifier{
		// Ключ не проходит через конфиг: клиент сам читает OPENAI_API_KEY
		client:     openai.NewClient(),
		model:      cfg.Model,
		maxIntents: maxIntents,
		fallback:   fallback,
		timeout:    llmTimeout,
		logger:     logger.With(zap.String("mod", "classifier_llm")),
	}
}

// Промпт держим строгим: только JSON, без прозы. Типы и обязательные
// параметры перечислены явно, чтобы модель не изобретала свои.
const classifyPrompt = `You are a strict intent classifier for a task assistant.
Supported intent types: schedule, summarize, analyze, notify.
Split the user message into independent intents. Return JSON only.

JSON schema:
{"intents":[{"type":"schedule","confidence":0.0,"raw_text":"fragment","parameters":{"key":"value"}}]}

Rules:
- Confidence is between 0 and 1. If uncertain, lower it.
- If two types fit the same fragment, return both with reduced confidence and the same raw_text.
- Parameters by type: schedule needs title and when; summarize and analyze need query; notify needs recipient and text.
- Omit parameters you cannot extract. Never invent values.
- If nothing fits, return {"intents":[]}.`

func (lc *LLMClassifier) Classify(ctx context.Context, messageID, text string, sc domain.SessionContext) []domain.Intent {
	if strings.TrimSpace(text) == "" {
		return []domain.Intent{unclassifiedIntent(messageID, text)}
	}

	callCtx, cancel := context.WithTimeout(ctx, lc.timeout)
	defer cancel()

	completion, err := lc.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(lc.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifyPrompt),
			openai.UserMessage(buildClassifyInput(text, sc)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		lc.logger.Warn("llm call failed, degrading to rules", zap.Error(err))
		return lc.fallback.Classify(ctx, messageID, text, sc)
	}
	if len(completion.Choices) == 0 {
		lc.logger.Warn("llm returned no choices, degrading to rules")
		return lc.fallback.Classify(ctx, messageID, text, sc)
	}

	intents, reason := lc.parseIntents(completion.Choices[0].Message.Content, messageID, text)
	if len(intents) == 0 {
		lc.logger.Warn("llm output rejected, degrading to rules", zap.String("reason", reason))
		return lc.fallback.Classify(ctx, messageID, text, sc)
	}
	return intents
}

// buildClassifyInput собирает пользовательское сообщение вместе с хвостом
// окна истории и активными документами: локальный контекст заметно улучшает
// разбор коротких реплик вида "сделай то же самое для второго отчета".
func buildClassifyInput(text string, sc domain.SessionContext) string {
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	history := sc.History
	if len(history) > historyTail {
		history = history[len(history)-historyTail:]
	}
	if len(history) == 0 {
		b.WriteString("- none\n")
	}
	for _, h := range history {
		b.WriteString(fmt.Sprintf("- %s: %s\n", h.Role, h.Text))
	}

	b.WriteString("Active references: ")
	if len(sc.ActiveReferences) == 0 {
		b.WriteString("none")
	} else {
		b.WriteString(strings.Join(sc.ActiveReferences, ", "))
	}

	b.WriteString("\n\nUser message:\n")
	b.WriteString(text)
	return b.String()
}

// parseIntents вытаскивает JSON из ответа модели и валидирует его. Пустая
// строка reason означает успех; иначе вызывающий уходит в фолбэк.
func (lc *LLMClassifier) parseIntents(output, messageID, original string) ([]domain.Intent, string) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start == -1 || end <= start {
		return nil, "json_not_found"
	}
	payload := output[start : end+1]
	if !gjson.Valid(payload) {
		return nil, "json_invalid"
	}

	items := gjson.Get(payload, "intents").Array()
	if len(items) == 0 {
		// Пустой список — осознанный ответ модели: исполнимого намерения нет
		return []domain.Intent{unclassifiedIntent(messageID, original)}, ""
	}

	intents := make([]domain.Intent, 0, len(items))
	for _, it := range items {
		t := domain.IntentType(strings.ToLower(strings.TrimSpace(it.Get("type").String())))
		if _, known := requiredParams[t]; !known {
			// Галлюцинированный тип дальше не пускаем
			continue
		}

		params := map[string]string{}
		it.Get("parameters").ForEach(func(k, v gjson.Result) bool {
			if s := strings.TrimSpace(v.String()); s != "" {
				params[strings.ToLower(k.String())] = s
			}
			return true
		})

		rawText := strings.TrimSpace(it.Get("raw_text").String())
		if rawText == "" {
			rawText = original
		}

		conf, _ := discountMissing(t, clamp01(it.Get("confidence").Float()), params)
		intents = append(intents, newIntent(t, conf, params, rawText, messageID))
		if len(intents) == lc.maxIntents {
			break
		}
	}
	if len(intents) == 0 {
		return nil, "no_known_types"
	}
	return capCompeting(intents, lc.fallback.margin, lc.fallback.auto), ""
}
