package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

// GetPreference возвращает настройки автоматизации актора.
// nil без ошибки — пользователь ничего не настраивал, действуют дефолты.
func (r *TaskRepo) GetPreference(ctx context.Context, actorID string) (*domain.AutomationPreference, error) {
	query := `SELECT actor_id, auto_approve, updated_at FROM automation_prefs WHERE actor_id = $1`

	p := &domain.AutomationPreference{}
	err := r.pool.QueryRow(ctx, query, actorID).Scan(&p.ActorID, &p.AutoApprove, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get preference: %w", err)
	}
	return p, nil
}

// GetAllPreferences выполняет "холодную загрузку" настроек для кэша при старте.
func (r *TaskRepo) GetAllPreferences(ctx context.Context) ([]domain.AutomationPreference, error) {
	query := `SELECT actor_id, auto_approve, updated_at FROM automation_prefs`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.AutomationPreference
	for rows.Next() {
		var p domain.AutomationPreference
		if err := rows.Scan(&p.ActorID, &p.AutoApprove, &p.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, nil
}

// UpsertPreference сохраняет настройки автоматизации актора целиком.
func (r *TaskRepo) UpsertPreference(ctx context.Context, p *domain.AutomationPreference) error {
	approve, err := json.Marshal(p.AutoApprove)
	if err != nil {
		return fmt.Errorf("postgres: marshal preference: %w", err)
	}

	query := `
		INSERT INTO automation_prefs (actor_id, auto_approve)
		VALUES ($1, $2)
		ON CONFLICT (actor_id) DO UPDATE SET auto_approve = $2, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, p.ActorID, approve); err != nil {
		return fmt.Errorf("postgres: failed to upsert preference: %w", err)
	}
	return nil
}
