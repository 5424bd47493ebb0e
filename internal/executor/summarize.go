package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"go.uber.org/zap"
)

// SummarizeExecutor собирает сводку по базе знаний и доставляет ее в чат.
// Класс easily_undoable: отправленную сводку можно отозвать ретракцией.
type SummarizeExecutor struct {
	systems Provider
	logger  *zap.Logger
}

func NewSummarizeExecutor(systems Provider, logger *zap.Logger) *SummarizeExecutor {
	return &SummarizeExecutor{
		systems: systems,
		logger:  logger.With(zap.String("mod", "exec_summarize")),
	}
}

func (e *SummarizeExecutor) Type() domain.IntentType { return domain.IntentSummarize }

func (e *SummarizeExecutor) Reversibility() domain.ReversibilityClass {
	return domain.ReversibilityEasy
}

func (e *SummarizeExecutor) Validate(params map[string]string) error {
	// Пустой запрос не имеет смысла прогонять через поиск
	if strings.TrimSpace(params["query"]) == "" {
		return fmt.Errorf("%w: query", domain.ErrMissingParameter)
	}
	return nil
}

func (e *SummarizeExecutor) Preview(params map[string]string) string {
	return fmt.Sprintf("Summarize knowledge base materials about %q", params["query"])
}

func (e *SummarizeExecutor) Execute(ctx context.Context, task *domain.Task) ([]byte, error) {
	searchPayload, _ := json.Marshal(map[string]string{
		"query": task.Parameters["query"],
		"scope": task.Parameters["scope"],
	})
	found, err := e.systems.Call(ctx, "knowledge.search", searchPayload)
	if err != nil {
		return nil, fmt.Errorf("summarize: search: %w", err)
	}

	hits := gjson.GetBytes(found, "results").Array()
	if len(hits) == 0 {
		// Ничего не нашлось — это результат, а не ошибка
		return json.Marshal(map[string]interface{}{
			"summary": fmt.Sprintf("Nothing found in the knowledge base for %q.", task.Parameters["query"]),
			"sources": []string{},
		})
	}

	// Полный текст тянем только для лучшего совпадения, остальным хватает выдержек
	topID := hits[0].Get("id").String()
	fetchPayload, _ := json.Marshal(map[string]string{"id": topID})
	doc, err := e.systems.Call(ctx, "knowledge.fetch", fetchPayload)
	if err != nil {
		return nil, fmt.Errorf("summarize: fetch %s: %w", topID, err)
	}

	var sb strings.Builder
	sb.WriteString(firstSentences(gjson.GetBytes(doc, "text").String(), 2))
	sources := make([]string, 0, len(hits))
	for _, h := range hits {
		sources = append(sources, h.Get("url").String())
		if excerpt := h.Get("excerpt").String(); h.Get("id").String() != topID && excerpt != "" {
			sb.WriteString(" ")
			sb.WriteString(firstSentences(excerpt, 1))
		}
	}
	summary := sb.String()

	// Доставляем сводку пользователю через канал чата
	msgPayload, _ := json.Marshal(map[string]string{
		"conversation_id": task.ConversationID,
		"text":            summary,
	})
	sent, err := e.systems.Call(ctx, "delivery.message.send", msgPayload)
	if err != nil {
		return nil, fmt.Errorf("summarize: deliver: %w", err)
	}

	e.logger.Info("summary delivered",
		zap.String("task_id", task.ID),
		zap.Int("sources", len(sources)))

	return json.Marshal(map[string]interface{}{
		"summary":    summary,
		"sources":    sources,
		"message_id": gjson.GetBytes(sent, "message_id").String(),
	})
}

// Compensate отзывает доставленную сводку из чата.
func (e *SummarizeExecutor) Compensate(ctx context.Context, task *domain.Task) ([]byte, error) {
	messageID := gjson.GetBytes(task.Result, "message_id").String()
	if messageID == "" {
		return nil, fmt.Errorf("summarize: task result has no message_id to retract")
	}

	payload, _ := json.Marshal(map[string]string{"message_id": messageID})
	resp, err := e.systems.Call(ctx, "delivery.message.retract", payload)
	if err != nil {
		return nil, fmt.Errorf("summarize: retract: %w", err)
	}
	e.logger.Info("summary retracted", zap.String("task_id", task.ID))
	return resp, nil
}

// firstSentences обрезает текст до n предложений. Примитивно, но для
// экстрактивной сводки прототипа достаточно.
func firstSentences(text string, n int) string {
	text = strings.TrimSpace(text)
	if text == "" || n <= 0 {
		return ""
	}
	count := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '.' || text[i] == '!' || text[i] == '?' {
			count++
			if count == n {
				return strings.TrimSpace(text[:i+1])
			}
		}
	}
	return text
}
