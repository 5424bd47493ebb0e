package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"go.uber.org/zap"
)

// AnalyzeExecutor считает простую аналитику по найденным материалам:
// количество совпадений и частотные термины. Отчет уходит в чат и может
// быть отозван, поэтому класс easily_undoable.
type AnalyzeExecutor struct {
	systems Provider
	logger  *zap.Logger
}

func NewAnalyzeExecutor(systems Provider, logger *zap.Logger) *AnalyzeExecutor {
	return &AnalyzeExecutor{
		systems: systems,
		logger:  logger.With(zap.String("mod", "exec_analyze")),
	}
}

func (e *AnalyzeExecutor) Type() domain.IntentType { return domain.IntentAnalyze }

func (e *AnalyzeExecutor) Reversibility() domain.ReversibilityClass {
	return domain.ReversibilityEasy
}

func (e *AnalyzeExecutor) Validate(params map[string]string) error {
	if strings.TrimSpace(params["query"]) == "" {
		return fmt.Errorf("%w: query", domain.ErrMissingParameter)
	}
	return nil
}

func (e *AnalyzeExecutor) Preview(params map[string]string) string {
	return fmt.Sprintf("Analyze knowledge base materials matching %q", params["query"])
}

func (e *AnalyzeExecutor) Execute(ctx context.Context, task *domain.Task) ([]byte, error) {
	searchPayload, _ := json.Marshal(map[string]string{
		"query": task.Parameters["query"],
		"scope": task.Parameters["scope"],
	})
	found, err := e.systems.Call(ctx, "knowledge.search", searchPayload)
	if err != nil {
		return nil, fmt.Errorf("analyze: search: %w", err)
	}

	hits := gjson.GetBytes(found, "results").Array()
	terms := topTerms(hits, 5)

	report := fmt.Sprintf("Found %d matching documents for %q.", len(hits), task.Parameters["query"])
	if len(terms) > 0 {
		report += " Recurring terms: " + strings.Join(terms, ", ") + "."
	}

	msgPayload, _ := json.Marshal(map[string]string{
		"conversation_id": task.ConversationID,
		"text":            report,
	})
	sent, err := e.systems.Call(ctx, "delivery.message.send", msgPayload)
	if err != nil {
		return nil, fmt.Errorf("analyze: deliver: %w", err)
	}

	e.logger.Info("analysis delivered",
		zap.String("task_id", task.ID),
		zap.Int("hits", len(hits)))

	return json.Marshal(map[string]interface{}{
		"report":     report,
		"hit_count":  len(hits),
		"top_terms":  terms,
		"message_id": gjson.GetBytes(sent, "message_id").String(),
	})
}

// Compensate отзывает доставленный отчет.
func (e *AnalyzeExecutor) Compensate(ctx context.Context, task *domain.Task) ([]byte, error) {
	messageID := gjson.GetBytes(task.Result, "message_id").String()
	if messageID == "" {
		return nil, fmt.Errorf("analyze: task result has no message_id to retract")
	}

	payload, _ := json.Marshal(map[string]string{"message_id": messageID})
	resp, err := e.systems.Call(ctx, "delivery.message.retract", payload)
	if err != nil {
		return nil, fmt.Errorf("analyze: retract: %w", err)
	}
	e.logger.Info("analysis retracted", zap.String("task_id", task.ID))
	return resp, nil
}

var stopTerms = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "are": true, "was": true, "were": true,
	"into": true, "over": true, "next": true, "stayed": true,
}

// topTerms выделяет частотные слова из выдержек найденных документов.
func topTerms(hits []gjson.Result, limit int) []string {
	freq := make(map[string]int)
	for _, h := range hits {
		for _, w := range strings.Fields(strings.ToLower(h.Get("excerpt").String())) {
			w = strings.Trim(w, ".,;:!?()\"'")
			if len(w) < 3 || stopTerms[w] {
				continue
			}
			freq[w]++
		}
	}

	terms := make([]string, 0, len(freq))
	for w := range freq {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}
