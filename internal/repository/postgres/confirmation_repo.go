package postgres

/*
Файл confirmation_repo.go содержит реализацию методов для механизма Human-in-the-loop (HITL, «человек в контуре»).

Главный инвариант: задачи до одобрения не существует. Заявка хранит снимок
интента (тип, параметры, уверенность), а строка в tasks появляется атомарно
в CreateTaskFromConfirmation, уже после решения APPROVED.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

const confirmationColumns = `id, intent_id, conversation_id, actor_id, intent_type, parameters,
	preview, reasoning, confidence, status, task_id, reviewer_id, comment,
	created_at, updated_at, expires_at`

func scanConfirmation(row pgx.Row) (*domain.ConfirmationRequest, error) {
	var c domain.ConfirmationRequest
	var taskID, reviewerID, comment sql.NullString // Используем для обработки NULL из БД

	err := row.Scan(
		&c.ID, &c.IntentID, &c.ConversationID, &c.ActorID, &c.IntentType, &c.Parameters,
		&c.Preview, &c.Reasoning, &c.Confidence, &c.Status, &taskID, &reviewerID, &comment,
		&c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	// Маппим NULL значения в указатели (если есть)
	if taskID.Valid {
		val := taskID.String
		c.TaskID = &val
	}
	if reviewerID.Valid {
		val := reviewerID.String
		c.ReviewerID = &val
	}
	if comment.Valid {
		val := comment.String
		c.Comment = &val
	}
	return &c, nil
}

// CreateConfirmation создает заявку, когда шлюз приостановил исполнение интента.
// Оператор или сам пользователь увидят ее через Console API и примут решение.
func (r *TaskRepo) CreateConfirmation(ctx context.Context, c *domain.ConfirmationRequest) error {
	params, err := json.Marshal(c.Parameters)
	if err != nil {
		return fmt.Errorf("postgres: marshal confirmation parameters: %w", err)
	}

	query := `INSERT INTO confirmations (id, intent_id, conversation_id, actor_id, intent_type,
	                                     parameters, preview, reasoning, confidence, status, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.pool.Exec(ctx, query, c.ID, c.IntentID, c.ConversationID, c.ActorID, c.IntentType,
		params, c.Preview, c.Reasoning, c.Confidence, c.Status, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create confirmation request: %w", err)
	}
	return nil
}

// GetConfirmationByID получение деталей заявки для анализа.
func (r *TaskRepo) GetConfirmationByID(ctx context.Context, id string) (*domain.ConfirmationRequest, error) {
	query := `SELECT ` + confirmationColumns + ` FROM confirmations WHERE id = $1`

	c, err := scanConfirmation(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w (id: %s)", domain.ErrConfirmationNotFound, id)
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return c, nil
}

// FindConfirmations фильтрация и выборка списка заявок (Decision Queue).
func (r *TaskRepo) FindConfirmations(ctx context.Context, status domain.ConfirmationStatus) ([]*domain.ConfirmationRequest, error) {
	// Базовый запрос
	query := `SELECT ` + confirmationColumns + ` FROM confirmations`

	var args []interface{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}

	query += " ORDER BY created_at DESC LIMIT 100"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query confirmations: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ConfirmationRequest, 0)
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan confirmation: %w", err)
		}
		results = append(results, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// UpdateConfirmationStatus атомарно решает заявку.
// Условие WHERE status = 'PENDING' предотвращает Double Decision: повторное
// решение получает ErrAlreadyDecided, а не молча перетирает первое.
// RETURNING отдает полный снимок заявки: одобрившей стороне он нужен,
// чтобы создать задачу, не делая второй SELECT.
func (r *TaskRepo) UpdateConfirmationStatus(ctx context.Context, id string, status domain.ConfirmationStatus, reviewerID, comment string) (*domain.ConfirmationRequest, error) {
	query := `
		UPDATE confirmations
		SET status = $1,
		    reviewer_id = $2,
		    comment = $3,
		    updated_at = NOW()
		WHERE id = $4 AND status = 'PENDING'
		RETURNING ` + confirmationColumns

	c, err := scanConfirmation(r.pool.QueryRow(ctx, query, status, reviewerID, comment, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Если строк не найдено, значит либо ID неверный,
			// либо (что чаще) решение по этой заявке уже было принято ранее
			return nil, fmt.Errorf("%w (id: %s)", domain.ErrAlreadyDecided, id)
		}
		return nil, fmt.Errorf("postgres: failed to update confirmation status: %w", err)
	}
	return c, nil
}

// CreateTaskFromConfirmation атомарно материализует задачу по одобренной
// заявке. Races: решение могло прийти и через HTTP движка, и через Pub/Sub
// от консоли, и с другого инстанса. FOR UPDATE на строке заявки сериализует
// претендентов: ровно один создает задачу (created = true), остальные
// получают id уже привязанной задачи.
func (r *TaskRepo) CreateTaskFromConfirmation(ctx context.Context, t *domain.Task, confirmationID string) (taskID string, created bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("postgres: begin resume tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Блокируем заявку и проверяем, что ее еще никто не материализовал
	var status string
	var boundTaskID sql.NullString
	err = tx.QueryRow(ctx,
		`SELECT status, task_id FROM confirmations WHERE id = $1 FOR UPDATE`,
		confirmationID,
	).Scan(&status, &boundTaskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("%w (id: %s)", domain.ErrConfirmationNotFound, confirmationID)
		}
		return "", false, fmt.Errorf("postgres: lock confirmation: %w", err)
	}
	if boundTaskID.Valid {
		return boundTaskID.String, false, nil // Уже материализована другим претендентом
	}
	if status != string(domain.ConfirmationApproved) {
		return "", false, fmt.Errorf("%w: confirmation %s is %s", domain.ErrInvalidTransition, confirmationID, status)
	}

	// 2. Вставляем задачу. Конфликт по ключу идемпотентности означает, что
	//    та же просьба уже бежит (например, продублирована и одобрена auto):
	//    привязываем заявку к живой задаче вместо второго исполнения.
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return "", false, fmt.Errorf("postgres: marshal task parameters: %w", err)
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO tasks (id, intent_id, conversation_id, actor_id, task_type,
		                   idempotency_key, status, reversibility, parameters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) WHERE status IN ('pending', 'running', 'retrying') DO NOTHING`,
		t.ID, t.IntentID, t.ConversationID, t.ActorID, t.Type,
		t.IdempotencyKey, t.Status, t.Reversibility, params, t.CreatedAt,
	)
	if err != nil {
		return "", false, fmt.Errorf("postgres: insert resumed task: %w", err)
	}

	taskID = t.ID
	created = ct.RowsAffected() > 0
	if !created {
		err = tx.QueryRow(ctx, `
			SELECT id FROM tasks
			WHERE idempotency_key = $1 AND status IN ('pending', 'running', 'retrying')
			LIMIT 1`, t.IdempotencyKey,
		).Scan(&taskID)
		if err != nil {
			return "", false, fmt.Errorf("postgres: find coalesced task: %w", err)
		}
	}

	// 3. Привязываем задачу к заявке
	if _, err = tx.Exec(ctx,
		`UPDATE confirmations SET task_id = $2, updated_at = NOW() WHERE id = $1`,
		confirmationID, taskID,
	); err != nil {
		return "", false, fmt.Errorf("postgres: bind task to confirmation: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("postgres: commit resume tx: %w", err)
	}
	return taskID, created, nil
}

// ExpireStaleConfirmations закрывает просроченные заявки и возвращает их ID.
// Вызывается фоновым джобом движка; задач за этими заявками нет, поэтому
// никакой другой очистки не требуется.
func (r *TaskRepo) ExpireStaleConfirmations(ctx context.Context) ([]string, error) {
	query := `
		UPDATE confirmations
		SET status = 'EXPIRED', updated_at = NOW()
		WHERE status = 'PENDING' AND expires_at < NOW()
		RETURNING id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to expire confirmations: %w", err)
	}
	defer rows.Close()

	// Инициализируем слайс, чтобы избежать возврата nil
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan confirmation id error: %w", err)
		}
		ids = append(ids, id)
	}

	// Проверка на ошибки итерации (стандарт качества pgx)
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	return ids, nil
}
