package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/connectors"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/executor"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// TaskStore — подмножество хранилища, которым диспетчер ведет конечный автомат задачи.
type TaskStore interface {
	MarkRunning(ctx context.Context, id string, attempt int) error
	MarkRetrying(ctx context.Context, id string, errMsg string) error
	FinishTask(ctx context.Context, id string, status domain.TaskStatus,
		result json.RawMessage, errMsg string, rollbackDeadline *time.Time) error
	CancelTask(ctx context.Context, id string) error
}

// TaskReport — исход одной задачи для агрегации ответа. Частичный провал
// батча — это данные: упавшая задача попадает в отчет, а не роняет соседей.
type TaskReport struct {
	TaskID   string             `json:"task_id"`
	IntentID string             `json:"intent_id"`
	Type     domain.IntentType  `json:"type"`
	Status   domain.TaskStatus  `json:"status"`
	Result   json.RawMessage    `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
	Attempts int                `json:"attempts"`
}

/*
Dispatcher доводит задачу до терминального статуса.

Модель исполнения:
  - Фан-аут ограничен семафором: потолок одновременных исполнений задается
    конфигом, а не количеством входящих сообщений.
  - Каждая попытка живет под своим дедлайном. Просроченная попытка — это
    timed_out с выбросом результата: эффект не считается совершенным, пока
    исполнитель сам не отчитался о завершении.
  - Попытки ограничены потолком с backoff между ними; ThrottleError внешней
    системы задает паузу сам, вместо расчетного бэкоффа.
  - Отмена — best-effort suppress: контекст исполнителя обрывается, а если
    тот не умеет прерываться, его поздний результат выбрасывается без записи
    в журнал и сессию.
*/
type Dispatcher struct {
	registry *executor.Registry
	store    TaskStore
	journal  audit.Recorder
	tracker  *Tracker
	metrics  *Metrics
	logger   *zap.Logger
	cfg      infra.OrchestratorConfig
	sem      *semaphore.Weighted
}

func NewDispatcher(registry *executor.Registry, store TaskStore, journal audit.Recorder,
	tracker *Tracker, metrics *Metrics, cfg infra.OrchestratorConfig, logger *zap.Logger) *Dispatcher {

	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		journal:  journal,
		tracker:  tracker,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "dispatcher")),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(maxParallel)),
	}
}

// Dispatch исполняет задачу и возвращает отчет. Блокируется до терминального
// статуса; фоновые запуски (возобновление после одобрения) зовут ее в горутине.
// ctx — контекст жизни движка, не HTTP-запроса: обрыв соединения с клиентом
// не бросает начатые эффекты на полпути.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.Task) TaskReport {
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	flight, isNew := d.tracker.Begin(task.IdempotencyKey, task.ID, cancel)
	if !isNew {
		// Тот же смысл уже исполняется: присоединяемся к чужому исходу
		report, err := flight.Wait(ctx)
		if err != nil {
			return TaskReport{TaskID: flight.TaskID, IntentID: task.IntentID,
				Type: task.Type, Status: domain.TaskCancelled, Error: err.Error()}
		}
		return report
	}

	report := d.run(dispatchCtx, task)
	d.tracker.Finish(flight, report)
	return report
}

func (d *Dispatcher) run(dispatchCtx context.Context, task *domain.Task) TaskReport {
	report := TaskReport{TaskID: task.ID, IntentID: task.IntentID, Type: task.Type}

	if err := d.sem.Acquire(dispatchCtx, 1); err != nil {
		report.Status = domain.TaskCancelled
		report.Error = "dispatch aborted before start"
		d.finalizeCancelled(task.ID)
		return report
	}
	defer d.sem.Release(1)

	d.metrics.InFlightTasks.Inc()
	defer d.metrics.InFlightTasks.Dec()

	exec, lookupErr := d.registry.Lookup(task.Type)
	if lookupErr != nil {
		// Сюда попадает только рассинхрон конфигурации: ядро проверяет реестр
		// до создания задачи
		return d.finalize(dispatchCtx, task, domain.TaskFailed, nil, lookupErr, 0, time.Now(), report)
	}

	start := time.Now()
	attempts := 0
	var out []byte

	r := retry.New(
		retry.Context(dispatchCtx),
		retry.Attempts(uint(d.cfg.MaxAttempts)),
		retry.Delay(d.cfg.RetryBaseDelay),
		retry.LastErrorOnly(true),
		// Умный расчет задержки
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Если коннектор вернул ThrottleError (например, считал Retry-After заголовок)
			var tErr *connectors.ThrottleError
			if errors.As(err, &tErr) {
				d.metrics.ErrorTotal.WithLabelValues("throttled").Inc()
				return tErr.RetryAfter
			}

			// В остальных случаях (сетевой лаг, 500-ка) — стандартный экспоненциальный бэкофф
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("task attempt failed",
				zap.String("task_id", task.ID),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)

	err := r.Do(func() error {
		attempts++
		if mErr := d.store.MarkRunning(dispatchCtx, task.ID, attempts); mErr != nil {
			// Задачу сняли с очереди (отмена между попытками) — не продолжаем
			return retry.Unrecoverable(mErr)
		}

		attemptCtx, cancelAttempt := context.WithTimeout(dispatchCtx, d.cfg.TaskDeadline)
		defer cancelAttempt()

		res, execErr := exec.Execute(attemptCtx, task)
		if execErr != nil {
			// Если будет еще попытка, задача возвращается в очередь видимым
			// статусом. После последней строка остается running: ее финализация
			// идет напрямую.
			if attempts < d.cfg.MaxAttempts && dispatchCtx.Err() == nil {
				if mErr := d.store.MarkRetrying(dispatchCtx, task.ID, execErr.Error()); mErr != nil {
					d.logger.Warn("failed to mark task retrying",
						zap.String("task_id", task.ID), zap.Error(mErr))
				}
			}
			return execErr
		}
		out = res
		return nil
	})

	status := d.classify(err, task.ID, dispatchCtx)
	return d.finalize(dispatchCtx, task, status, out, err, attempts, start, report)
}

// classify сводит исход цикла попыток к терминальному статусу задачи.
func (d *Dispatcher) classify(err error, taskID string, dispatchCtx context.Context) domain.TaskStatus {
	switch {
	case d.tracker.Suppressed(taskID):
		// Пользователь отменил: поздний результат выбрасывается, даже успешный
		return domain.TaskCancelled
	case err == nil:
		return domain.TaskCompleted
	case dispatchCtx.Err() != nil:
		return domain.TaskCancelled // Остановка движка прервала попытку
	case errors.Is(err, domain.ErrInvalidTransition):
		// Строку сняли с очереди между попытками: отмена пришла мимо трекера
		return domain.TaskCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return domain.TaskTimedOut
	default:
		return domain.TaskFailed
	}
}

func (d *Dispatcher) finalize(dispatchCtx context.Context, task *domain.Task, status domain.TaskStatus,
	out []byte, execErr error, attempts int, start time.Time, report TaskReport) TaskReport {

	report.Status = status
	report.Attempts = attempts

	// Контекст диспатча к этому моменту может быть уже мертв,
	// финализацию ведем на отдельном коротком
	finCtx, cancelFin := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFin()

	duration := time.Since(start)
	d.metrics.TasksTotal.WithLabelValues(string(task.Type), string(status)).Inc()

	switch status {
	case domain.TaskCompleted:
		report.Result = out

		var rollbackDeadline *time.Time
		if undoable(task, d.registry) {
			deadline := time.Now().Add(d.cfg.RollbackWindow)
			rollbackDeadline = &deadline
		}
		if err := d.store.FinishTask(finCtx, task.ID, domain.TaskCompleted, out, "", rollbackDeadline); err != nil {
			d.logger.Error("failed to persist task completion",
				zap.String("task_id", task.ID), zap.Error(err))
			d.metrics.ErrorTotal.WithLabelValues("storage").Inc()
		}

		rec := d.executionRecord(dispatchCtx, task, audit.StatusSuccess, out, "", duration)
		rec.RollbackDeadline = rollbackDeadline
		// Завершенная задача отчитывается в журнал до возврата управления
		if err := d.journal.Commit(finCtx, rec); err != nil {
			d.logger.Error("audit commit failed for completed task",
				zap.String("task_id", task.ID), zap.Error(err))
			d.metrics.ErrorTotal.WithLabelValues("audit_unavailable").Inc()
		}

	case domain.TaskCancelled:
		// Подавленный исход: ни результата, ни записи журнала, ни сессии
		report.Result = nil
		report.Error = "cancelled"
		d.finalizeCancelled(task.ID)
		d.logger.Info("task cancelled in flight",
			zap.String("task_id", task.ID), zap.Int("attempts", attempts))

	case domain.TaskTimedOut:
		report.Error = execErr.Error()
		d.metrics.ErrorTotal.WithLabelValues("timeout").Inc()
		if err := d.store.FinishTask(finCtx, task.ID, domain.TaskTimedOut, nil, report.Error, nil); err != nil {
			d.logger.Error("failed to persist task timeout",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		if err := d.journal.Commit(finCtx, d.executionRecord(dispatchCtx, task, audit.StatusTimedOut, nil, report.Error, duration)); err != nil {
			d.logger.Error("audit commit failed for timed out task",
				zap.String("task_id", task.ID), zap.Error(err))
		}

	default: // TaskFailed
		report.Error = execErr.Error()
		d.metrics.ErrorTotal.WithLabelValues("executor_error").Inc()
		if err := d.store.FinishTask(finCtx, task.ID, domain.TaskFailed, nil, report.Error, nil); err != nil {
			d.logger.Error("failed to persist task failure",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		if err := d.journal.Commit(finCtx, d.executionRecord(dispatchCtx, task, audit.StatusFailed, nil, report.Error, duration)); err != nil {
			d.logger.Error("audit commit failed for failed task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	return report
}

// finalizeCancelled переводит задачу в cancelled из того состояния, в котором
// ее застала отмена: running финализируется напрямую, pending и retrying
// снимаются с очереди.
func (d *Dispatcher) finalizeCancelled(taskID string) {
	finCtx, cancelFin := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFin()

	if err := d.store.FinishTask(finCtx, taskID, domain.TaskCancelled, nil, "cancelled", nil); err == nil {
		return
	}
	if err := d.store.CancelTask(finCtx, taskID); err != nil {
		d.logger.Warn("task not cancellable, likely already terminal",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (d *Dispatcher) executionRecord(ctx context.Context, task *domain.Task,
	status string, out []byte, errMsg string, duration time.Duration) audit.Record {

	rec := audit.Record{
		ID:             uuid.NewString(),
		TraceID:        extractTraceID(ctx),
		ConversationID: task.ConversationID,
		ActorID:        task.ActorID,
		TaskID:         task.ID,
		IntentID:       task.IntentID,
		Kind:           audit.KindExecution,
		TaskType:       string(task.Type),
		Parameters:     paramsToMap(task.Parameters),
		Status:         status,
		Error:          errMsg,
		DurationMs:     duration.Milliseconds(),
	}
	if len(out) > 0 {
		var v interface{}
		if json.Unmarshal(out, &v) == nil {
			rec.Response = v
		}
	}
	return rec
}

// undoable — предлагается ли откат: класс обратимый И исполнитель умеет
// компенсировать. Второе проверяется типом, а не флагом.
func undoable(task *domain.Task, registry *executor.Registry) bool {
	if !task.Reversibility.Undoable() {
		return false
	}
	exec, err := registry.Lookup(task.Type)
	if err != nil {
		return false
	}
	_, ok := exec.(executor.Compensator)
	return ok
}

func paramsToMap(params map[string]string) map[string]interface{} {
	m := make(map[string]interface{}, len(params))
	for k, v := range params {
		m[k] = v
	}
	return m
}
