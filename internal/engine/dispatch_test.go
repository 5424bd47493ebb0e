package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/executor"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
)

func fastConfig() infra.OrchestratorConfig {
	return infra.OrchestratorConfig{
		TaskDeadline:    500 * time.Millisecond,
		MaxAttempts:     3,
		RetryBaseDelay:  time.Millisecond,
		MaxParallel:     4,
		RollbackWindow:  time.Minute,
		ConfirmationTTL: time.Minute,
	}
}

func newTestDispatcher(t *testing.T, cfg infra.OrchestratorConfig, store *memStore,
	rec *memRecorder, execs ...executor.Executor) (*Dispatcher, *Tracker) {

	t.Helper()
	reg := executor.NewRegistry()
	for _, e := range execs {
		require.NoError(t, reg.Register(e))
	}
	tr := NewTracker()
	return NewDispatcher(reg, store, rec, tr, NewMetrics(nil), cfg, zap.NewNop()), tr
}

func seedTask(t *testing.T, store *memStore, typ domain.IntentType,
	rev domain.ReversibilityClass, params map[string]string) *domain.Task {

	t.Helper()
	task := &domain.Task{
		ID:             uuid.NewString(),
		IntentID:       uuid.NewString(),
		ConversationID: "conv-1",
		ActorID:        "actor-1",
		Type:           typ,
		IdempotencyKey: domain.IdempotencyKey("conv-1", typ, params),
		Status:         domain.TaskPending,
		Reversibility:  rev,
		Parameters:     params,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDispatchCompletedOpensRollbackWindow(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	exec := &stubCompExec{stubExec: stubExec{
		typ:    domain.IntentSchedule,
		rev:    domain.ReversibilityEasy,
		result: []byte(`{"event_id":"EVT-7"}`),
	}}
	d, _ := newTestDispatcher(t, fastConfig(), store, rec, exec)
	task := seedTask(t, store, domain.IntentSchedule, domain.ReversibilityEasy, map[string]string{"title": "Standup"})

	report := d.Dispatch(context.Background(), task)

	require.Equal(t, domain.TaskCompleted, report.Status)
	assert.Equal(t, 1, report.Attempts)
	assert.JSONEq(t, `{"event_id":"EVT-7"}`, string(report.Result))

	row := store.taskByID(task.ID)
	require.NotNil(t, row)
	assert.Equal(t, domain.TaskCompleted, row.Status)
	require.NotNil(t, row.RollbackDeadline, "reversible task with a compensator must get a rollback window")
	assert.True(t, row.RollbackDeadline.After(time.Now()))
	assert.NotNil(t, row.FinishedAt)

	idx := rec.indexOf(audit.KindExecution, audit.StatusSuccess, task.ID)
	require.GreaterOrEqual(t, idx, 0, "completed task must report to the journal")
	assert.NotNil(t, rec.snapshot()[idx].RollbackDeadline)
}

func TestDispatchNoRollbackWindowWithoutCompensator(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	// Класс обратимый, но компенсации у исполнителя нет: окно не открывается
	exec := &stubExec{typ: domain.IntentNotify, rev: domain.ReversibilityEasy, result: []byte(`{"message_id":"m-1"}`)}
	d, _ := newTestDispatcher(t, fastConfig(), store, rec, exec)
	task := seedTask(t, store, domain.IntentNotify, domain.ReversibilityEasy, map[string]string{"recipient": "bob"})

	report := d.Dispatch(context.Background(), task)

	require.Equal(t, domain.TaskCompleted, report.Status)
	row := store.taskByID(task.ID)
	assert.Nil(t, row.RollbackDeadline)

	idx := rec.indexOf(audit.KindExecution, audit.StatusSuccess, task.ID)
	require.GreaterOrEqual(t, idx, 0)
	assert.Nil(t, rec.snapshot()[idx].RollbackDeadline)
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	exec := &stubExec{typ: domain.IntentSummarize, rev: domain.ReversibilityEasy, failFirst: 2}
	d, _ := newTestDispatcher(t, fastConfig(), store, rec, exec)
	task := seedTask(t, store, domain.IntentSummarize, domain.ReversibilityEasy, map[string]string{"query": "quarterly"})

	report := d.Dispatch(context.Background(), task)

	require.Equal(t, domain.TaskCompleted, report.Status)
	assert.Equal(t, 3, report.Attempts)
	assert.EqualValues(t, 3, exec.calls.Load())

	row := store.taskByID(task.ID)
	assert.Equal(t, domain.TaskCompleted, row.Status)
	assert.Equal(t, 3, row.Attempts)

	// Ровно один журнальный исход, промежуточные попытки записей не плодят
	assert.Equal(t, 1, rec.countKind(audit.KindExecution))
}

func TestDispatchExhaustedAttemptsAreTerminalFailure(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	exec := &stubExec{typ: domain.IntentSummarize, rev: domain.ReversibilityEasy, execErr: errors.New("search backend down")}
	d, _ := newTestDispatcher(t, cfg, store, rec, exec)
	task := seedTask(t, store, domain.IntentSummarize, domain.ReversibilityEasy, map[string]string{"query": "news"})

	report := d.Dispatch(context.Background(), task)

	require.Equal(t, domain.TaskFailed, report.Status)
	assert.Equal(t, 2, report.Attempts)
	assert.Contains(t, report.Error, "search backend down")

	row := store.taskByID(task.ID)
	assert.Equal(t, domain.TaskFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "search backend down")
	assert.Nil(t, row.RollbackDeadline, "failed task must not get a rollback window")

	idx := rec.indexOf(audit.KindExecution, audit.StatusFailed, task.ID)
	assert.GreaterOrEqual(t, idx, 0)
}

func TestDispatchAttemptDeadlineTimesOut(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	cfg := fastConfig()
	cfg.TaskDeadline = 25 * time.Millisecond
	cfg.MaxAttempts = 2
	exec := &stubExec{typ: domain.IntentAnalyze, rev: domain.ReversibilityEasy, delay: 300 * time.Millisecond}
	d, _ := newTestDispatcher(t, cfg, store, rec, exec)
	task := seedTask(t, store, domain.IntentAnalyze, domain.ReversibilityEasy, map[string]string{"query": "slow"})

	report := d.Dispatch(context.Background(), task)

	require.Equal(t, domain.TaskTimedOut, report.Status)
	assert.Equal(t, 2, report.Attempts, "each attempt gets its own deadline before the terminal verdict")
	assert.Nil(t, report.Result, "a timed out attempt discards its result")

	row := store.taskByID(task.ID)
	assert.Equal(t, domain.TaskTimedOut, row.Status)

	idx := rec.indexOf(audit.KindExecution, audit.StatusTimedOut, task.ID)
	assert.GreaterOrEqual(t, idx, 0)
}

func TestDispatchHonorsThrottleRetryAfter(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	exec := &stubExec{typ: domain.IntentNotify, rev: domain.ReversibilityNone, throttle: 30 * time.Millisecond}
	d, _ := newTestDispatcher(t, fastConfig(), store, rec, exec)
	task := seedTask(t, store, domain.IntentNotify, domain.ReversibilityNone, map[string]string{"recipient": "ops"})

	start := time.Now()
	report := d.Dispatch(context.Background(), task)
	elapsed := time.Since(start)

	require.Equal(t, domain.TaskCompleted, report.Status)
	assert.Equal(t, 2, report.Attempts)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "Retry-After pause must be honored instead of the base backoff")
}

func TestDispatchCoalescesSameIdempotencyKey(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	exec := &stubExec{
		typ:     domain.IntentSchedule,
		rev:     domain.ReversibilityEasy,
		delay:   60 * time.Millisecond,
		result:  []byte(`{"event_id":"EVT-1"}`),
		started: make(chan struct{}),
	}
	d, _ := newTestDispatcher(t, fastConfig(), store, rec, exec)

	params := map[string]string{"title": "Sync", "when": "tomorrow"}
	first := seedTask(t, store, domain.IntentSchedule, domain.ReversibilityEasy, params)
	// Дубликат несет тот же ключ, но своей строки в хранилище не имеет
	dup := &domain.Task{
		ID:             uuid.NewString(),
		IntentID:       uuid.NewString(),
		ConversationID: first.ConversationID,
		ActorID:        first.ActorID,
		Type:           first.Type,
		IdempotencyKey: first.IdempotencyKey,
		Status:         domain.TaskPending,
		Reversibility:  first.Reversibility,
		Parameters:     params,
	}

	firstDone := make(chan TaskReport, 1)
	go func() { firstDone <- d.Dispatch(context.Background(), first) }()

	<-exec.started
	dupReport := d.Dispatch(context.Background(), dup)
	firstReport := <-firstDone

	assert.EqualValues(t, 1, exec.calls.Load(), "one execution per idempotency key")
	assert.Equal(t, first.ID, firstReport.TaskID)
	assert.Equal(t, first.ID, dupReport.TaskID, "duplicate joins the live flight instead of starting its own")
	assert.Equal(t, domain.TaskCompleted, firstReport.Status)
	assert.Equal(t, domain.TaskCompleted, dupReport.Status)
	assert.Equal(t, 1, rec.countKind(audit.KindExecution))
}

func TestDispatchSuppressedCancelDiscardsLateResult(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	// Исполнитель не умеет прерываться: спит сквозь отмену и приносит результат
	exec := &stubExec{
		typ:       domain.IntentSummarize,
		rev:       domain.ReversibilityEasy,
		delay:     80 * time.Millisecond,
		ignoreCtx: true,
		result:    []byte(`{"summary":"late"}`),
		started:   make(chan struct{}),
	}
	d, tr := newTestDispatcher(t, fastConfig(), store, rec, exec)
	task := seedTask(t, store, domain.IntentSummarize, domain.ReversibilityEasy, map[string]string{"query": "doomed"})

	done := make(chan TaskReport, 1)
	go func() { done <- d.Dispatch(context.Background(), task) }()

	<-exec.started
	require.True(t, tr.Cancel(task.ID))

	report := <-done
	require.Equal(t, domain.TaskCancelled, report.Status)
	assert.Nil(t, report.Result, "suppressed outcome must not leak the late result")
	assert.EqualValues(t, 1, exec.calls.Load(), "the connector did finish, its result was discarded")

	row := store.taskByID(task.ID)
	assert.Equal(t, domain.TaskCancelled, row.Status)

	// Подавленный исход не оставляет журнальной записи: единственный след
	// отмены пишет тот, кто ее запросил
	assert.Equal(t, 0, rec.countKind(audit.KindExecution))
}

func TestDispatchCancelledBetweenAttempts(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	cfg := fastConfig()
	cfg.RetryBaseDelay = 60 * time.Millisecond
	exec := &stubExec{
		typ:       domain.IntentAnalyze,
		rev:       domain.ReversibilityEasy,
		failFirst: 1,
		started:   make(chan struct{}),
	}
	d, _ := newTestDispatcher(t, cfg, store, rec, exec)
	task := seedTask(t, store, domain.IntentAnalyze, domain.ReversibilityEasy, map[string]string{"query": "flaky"})

	done := make(chan TaskReport, 1)
	go func() { done <- d.Dispatch(context.Background(), task) }()

	// Первая попытка упала, задача вернулась в очередь — снимаем ее оттуда
	<-exec.started
	waitFor(t, time.Second, func() bool {
		row := store.taskByID(task.ID)
		return row != nil && row.Status == domain.TaskRetrying
	}, "task never became retrying after the failed attempt")
	require.NoError(t, store.CancelTask(context.Background(), task.ID))

	report := <-done
	assert.Equal(t, domain.TaskCancelled, report.Status)
	assert.EqualValues(t, 1, exec.calls.Load(), "no second attempt after the row left the queue")

	row := store.taskByID(task.ID)
	assert.Equal(t, domain.TaskCancelled, row.Status)
	assert.Equal(t, 0, rec.countKind(audit.KindExecution))
}

func TestDispatchSemaphoreCapsParallelism(t *testing.T) {
	store := newMemStore()
	rec := &memRecorder{}
	cfg := fastConfig()
	cfg.MaxParallel = 1
	exec := &stubExec{typ: domain.IntentSummarize, rev: domain.ReversibilityEasy, delay: 40 * time.Millisecond}
	d, _ := newTestDispatcher(t, cfg, store, rec, exec)

	t1 := seedTask(t, store, domain.IntentSummarize, domain.ReversibilityEasy, map[string]string{"query": "one"})
	t2 := seedTask(t, store, domain.IntentSummarize, domain.ReversibilityEasy, map[string]string{"query": "two"})

	start := time.Now()
	done := make(chan TaskReport, 2)
	go func() { done <- d.Dispatch(context.Background(), t1) }()
	go func() { done <- d.Dispatch(context.Background(), t2) }()

	r1, r2 := <-done, <-done
	elapsed := time.Since(start)

	assert.Equal(t, domain.TaskCompleted, r1.Status)
	assert.Equal(t, domain.TaskCompleted, r2.Status)
	assert.GreaterOrEqual(t, elapsed, 75*time.Millisecond, "with a single slot the second task waits for the first")
}
