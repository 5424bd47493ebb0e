package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

// EnsureConversation создает запись беседы при первом сообщении и двигает
// last_activity при каждом следующем. UPSERT, потому что движку все равно,
// видел он эту беседу раньше или нет.
func (r *TaskRepo) EnsureConversation(ctx context.Context, c *domain.Conversation) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal conversation metadata: %w", err)
	}

	query := `
		INSERT INTO conversations (id, actor_id, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET last_activity = NOW(), updated_at = NOW()`

	_, err = r.pool.Exec(ctx, query, c.ID, c.ActorID, meta)
	if err != nil {
		return fmt.Errorf("postgres: failed to ensure conversation: %w", err)
	}
	return nil
}

func (r *TaskRepo) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, actor_id, last_activity, last_reset_at, reset_count, metadata, created_at, updated_at
		FROM conversations WHERE id = $1`

	c := &domain.Conversation{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.ActorID, &c.LastActivity, &c.LastResetAt, &c.ResetCount,
		&c.Metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Возвращаем nil для 404 в хендлере
		}
		return nil, fmt.Errorf("postgres: failed to get conversation: %w", err)
	}
	return c, nil
}

// MarkReset фиксирует сброс контекста: history в Redis к этому моменту уже
// вычищена, здесь остается только след для аудита и счетчик.
func (r *TaskRepo) MarkReset(ctx context.Context, id string) error {
	query := `
		UPDATE conversations
		SET last_reset_at = NOW(), reset_count = reset_count + 1, updated_at = NOW()
		WHERE id = $1`

	ct, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark reset: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: conversation %s not found", id)
	}
	return nil
}
