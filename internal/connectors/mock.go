package connectors

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// MockSystemsConnector имитирует внешние системы (календарь, базу знаний,
// доставку сообщений) для локальной разработки и тестов конвейера.
type MockSystemsConnector struct{}

func (c *MockSystemsConnector) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	// Имитируем задержку 50-300мс
	latency := time.Duration(50+rand.Intn(250)) * time.Millisecond

	select {
	case <-time.After(latency):
		// Имитация работы
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if capID == "unstable.service" {
		return nil, fmt.Errorf("service internal error")
	}

	switch capID {
	// Календарь
	case "calendar.event.create":
		return []byte(`{"status": "created", "integration": "calendar", "event_id": "EVT-101"}`), nil
	case "calendar.event.cancel":
		return []byte(`{"status": "cancelled", "integration": "calendar"}`), nil

	// Коннектор к базе знаний (поиск и выдача документов)
	case "knowledge.search":
		return []byte(`{"status": "success", "results": [
			{"id": "doc-1", "title": "Quarterly Report", "excerpt": "Revenue grew 12 percent quarter over quarter...", "url": "kb://doc-1"},
			{"id": "doc-2", "title": "Roadmap Draft", "excerpt": "Planned milestones for the next two quarters...", "url": "kb://doc-2"}
		]}`), nil
	case "knowledge.fetch":
		return []byte(`{"status": "success", "id": "doc-1", "title": "Quarterly Report", "text": "Revenue grew 12 percent quarter over quarter. Churn stayed flat. Expansion into the EU market is on track.", "url": "kb://doc-1"}`), nil

	// Доставка ответов пользователю (чат)
	case "delivery.message.send":
		return []byte(`{"status": "sent", "integration": "chat", "message_id": "MSG-7"}`), nil
	case "delivery.message.retract":
		return []byte(`{"status": "retracted", "integration": "chat"}`), nil

	default:
		return nil, fmt.Errorf("capability %s not supported by connector", capID)
	}
}
