package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

// TaskRepo — общий репозиторий оркестратора поверх пула pgx.
// Методы по аггрегатам разнесены по файлам (tasks, confirmations, thresholds...).
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создает новый экземпляр репозитория
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// Ping проверяет доступность базы при старте
func (r *TaskRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const taskColumns = `id, intent_id, conversation_id, actor_id, task_type, idempotency_key,
	status, reversibility, parameters, result, error, attempts,
	rollback_deadline, rolled_back_at, created_at, started_at, finished_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.IntentID, &t.ConversationID, &t.ActorID, &t.Type, &t.IdempotencyKey,
		&t.Status, &t.Reversibility, &t.Parameters, &t.Result, &t.ErrorMessage, &t.Attempts,
		&t.RollbackDeadline, &t.RolledBackAt, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask вставляет задачу с защитой от дублей: частичный уникальный индекс
// пропускает не более одной живой задачи на ключ идемпотентности.
// При конфликте возвращает ErrTaskExists — вызывающий коалесцирует дубликат.
func (r *TaskRepo) CreateTask(ctx context.Context, t *domain.Task) error {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("postgres: marshal task parameters: %w", err)
	}

	query := `
		INSERT INTO tasks (id, intent_id, conversation_id, actor_id, task_type,
		                   idempotency_key, status, reversibility, parameters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) WHERE status IN ('pending', 'running', 'retrying') DO NOTHING`

	ct, err := r.pool.Exec(ctx, query,
		t.ID, t.IntentID, t.ConversationID, t.ActorID, t.Type,
		t.IdempotencyKey, t.Status, t.Reversibility, params, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrTaskExists
	}
	return nil
}

func (r *TaskRepo) GetTaskByID(ctx context.Context, id string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w (id: %s)", domain.ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to get task: %w", err)
	}
	return t, nil
}

// ActiveTaskIDByKey находит живую задачу по ключу идемпотентности.
// Пустая строка без ошибки — живой задачи нет.
func (r *TaskRepo) ActiveTaskIDByKey(ctx context.Context, key string) (string, error) {
	query := `SELECT id FROM tasks
	          WHERE idempotency_key = $1 AND status IN ('pending', 'running', 'retrying')
	          LIMIT 1`

	var id string
	err := r.pool.QueryRow(ctx, query, key).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("postgres: failed to find task by key: %w", err)
	}
	return id, nil
}

// MarkRunning фиксирует старт попытки. Условие по статусу не дает запустить
// отмененную или уже бегущую задачу (правила конечного автомата в SQL).
func (r *TaskRepo) MarkRunning(ctx context.Context, id string, attempt int) error {
	query := `
		UPDATE tasks
		SET status = 'running', attempts = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ('pending', 'retrying')`

	ct, err := r.pool.Exec(ctx, query, id, attempt)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark task running: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s is not runnable", domain.ErrInvalidTransition, id)
	}
	return nil
}

// MarkRetrying возвращает задачу в очередь после неудачной попытки.
func (r *TaskRepo) MarkRetrying(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE tasks
		SET status = 'retrying', error = $2
		WHERE id = $1 AND status = 'running'`

	ct, err := r.pool.Exec(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark task retrying: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s is not running", domain.ErrInvalidTransition, id)
	}
	return nil
}

// FinishTask финализирует задачу из running. rollbackDeadline != nil только
// для успешно завершенных обратимых задач.
func (r *TaskRepo) FinishTask(ctx context.Context, id string, status domain.TaskStatus,
	result json.RawMessage, errMsg string, rollbackDeadline *time.Time) error {

	query := `
		UPDATE tasks
		SET status = $2, result = $3, error = $4, rollback_deadline = $5, finished_at = NOW()
		WHERE id = $1 AND status = 'running'`

	ct, err := r.pool.Exec(ctx, query, id, status, result, errMsg, rollbackDeadline)
	if err != nil {
		return fmt.Errorf("postgres: failed to finish task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s is not running", domain.ErrInvalidTransition, id)
	}
	return nil
}

// CancelTask останавливает задачу, которая еще не исполняется.
// Бегущие задачи отменяются сигналом: их финализирует сам диспетчер.
func (r *TaskRepo) CancelTask(ctx context.Context, id string) error {
	query := `
		UPDATE tasks
		SET status = 'cancelled', finished_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'retrying')`

	ct, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to cancel task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s is not cancellable here", domain.ErrInvalidTransition, id)
	}
	return nil
}

// ClaimRollback атомарно занимает право на откат: при гонке выигрывает ровно
// один вызов, остальные получают точный диагноз, почему откат невозможен.
func (r *TaskRepo) ClaimRollback(ctx context.Context, id string) (*domain.Task, error) {
	query := `
		UPDATE tasks
		SET rolled_back_at = NOW()
		WHERE id = $1 AND status = 'completed'
		  AND rolled_back_at IS NULL
		  AND rollback_deadline IS NOT NULL AND rollback_deadline > NOW()
		RETURNING ` + taskColumns

	t, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: failed to claim rollback: %w", err)
	}

	// UPDATE никого не задел: выясняем причину для честного ответа клиенту
	existing, getErr := r.GetTaskByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	switch {
	case existing.RolledBackAt != nil:
		return nil, domain.ErrAlreadyRolledBack
	case existing.RollbackDeadline == nil:
		return nil, domain.ErrRollbackUnsupported
	case !existing.RollbackOpen(time.Now()):
		return nil, domain.ErrRollbackExpired
	default:
		return nil, fmt.Errorf("%w: task %s is not completed", domain.ErrRollbackUnsupported, id)
	}
}

// ReleaseRollback возвращает право на откат, если компенсация сорвалась.
// Пока окно не истекло, пользователь может попробовать еще раз.
func (r *TaskRepo) ReleaseRollback(ctx context.Context, id string) error {
	query := `UPDATE tasks SET rolled_back_at = NULL WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("postgres: failed to release rollback claim: %w", err)
	}
	return nil
}

// FindTasksByConversation — последние задачи беседы для статусной выдачи.
func (r *TaskRepo) FindTasksByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
	          WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query tasks: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan task: %w", err)
		}
		results = append(results, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
