package postgres

/*
Файл threshold_repo.go отвечает за хранение и поставку порогов шлюза уверенности.
Данный слой обеспечивает отделение долговременного хранения калибровки в PostgreSQL
от ее мгновенной проверки в оперативной памяти движка.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

// GetAllThresholds выполняет "холодную загрузку" всего набора переопределений при старте.
func (r *TaskRepo) GetAllThresholds(ctx context.Context) ([]domain.ThresholdOverride, error) {
	query := `SELECT task_type, auto_threshold, confirm_threshold, clarify_threshold, updated_by, updated_at
	          FROM gate_thresholds`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ThresholdOverride
	for rows.Next() {
		var o domain.ThresholdOverride
		if err := rows.Scan(&o.TaskType, &o.Thresholds.Auto, &o.Thresholds.Confirm,
			&o.Thresholds.Clarify, &o.UpdatedBy, &o.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, o)
	}
	return results, nil
}

// GetThreshold точечное получение порогов для типа задачи.
// - Логика Wildcards: поддерживает выборку с учетом иерархии (конкретный тип vs '*').
func (r *TaskRepo) GetThreshold(ctx context.Context, taskType domain.IntentType) (*domain.ThresholdOverride, error) {
	// Ищем специфичную калибровку для типа или общую ("*").
	query := `
		SELECT task_type, auto_threshold, confirm_threshold, clarify_threshold, updated_by, updated_at
		FROM gate_thresholds
		WHERE task_type = $1 OR task_type = '*'
		ORDER BY (task_type != '*') DESC -- Сначала специфичная калибровка типа
		LIMIT 1`
	// Wildcard Matching (*): простая иерархия (сначала тип, потом глобал).
	// Это позволяет одной записью ужесточить шлюз для всех типов разом,
	// но оставить отдельному типу свою калибровку.

	var o domain.ThresholdOverride
	err := r.pool.QueryRow(ctx, query, taskType).Scan(
		&o.TaskType, &o.Thresholds.Auto, &o.Thresholds.Confirm,
		&o.Thresholds.Clarify, &o.UpdatedBy, &o.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Переопределения нет — действуют дефолты из конфига
		}
		return nil, err
	}
	return &o, nil
}

// UpsertThreshold создает или правит калибровку. Валидность порогов
// (clarify <= confirm <= auto) проверяет сервисный слой до записи.
func (r *TaskRepo) UpsertThreshold(ctx context.Context, o *domain.ThresholdOverride) error {
	query := `
		INSERT INTO gate_thresholds (task_type, auto_threshold, confirm_threshold, clarify_threshold, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_type) DO UPDATE
		SET auto_threshold = $2, confirm_threshold = $3, clarify_threshold = $4,
		    updated_by = $5, updated_at = NOW()`

	_, err := r.pool.Exec(ctx, query, o.TaskType,
		o.Thresholds.Auto, o.Thresholds.Confirm, o.Thresholds.Clarify, o.UpdatedBy)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert threshold: %w", err)
	}
	return nil
}

// DeleteThreshold удаляет переопределение: тип возвращается к дефолтам.
func (r *TaskRepo) DeleteThreshold(ctx context.Context, taskType domain.IntentType) error {
	query := `DELETE FROM gate_thresholds WHERE task_type = $1`

	ct, err := r.pool.Exec(ctx, query, taskType)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete threshold: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: threshold override not found")
	}
	return nil
}
