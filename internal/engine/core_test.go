package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/executor"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/gate"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/session"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	o       *Orchestrator
	store   *memStore
	rec     *memRecorder
	history *memHistory
	convs   *memConvRepo
	cls     *cannedClassifier
}

func newFixture(t *testing.T, cfg infra.OrchestratorConfig,
	prefs map[string]domain.AutomationPreference, execs ...executor.Executor) *fixture {

	t.Helper()
	logger := zap.NewNop()
	reg := executor.NewRegistry()
	for _, e := range execs {
		require.NoError(t, reg.Register(e))
	}

	store := newMemStore()
	rec := &memRecorder{}
	history := newMemHistory()
	convs := newMemConvRepo()
	cls := newCannedClassifier()

	o := NewOrchestrator(context.Background(), OrchestratorDeps{
		Classifier: cls,
		Thresholds: gate.NewMemoThresholds(domain.DefaultThresholds(), thresholdStub{}, logger),
		Prefs:      NewMemoPrefs(prefStub{prefs: prefs}, logger),
		Sessions:   session.NewManager(history, convs, logger),
		Store:      store,
		Registry:   reg,
		Journal:    rec,
		Metrics:    NewMetrics(nil),
		Logger:     logger,
		Config:     cfg,
	})
	return &fixture{o: o, store: store, rec: rec, history: history, convs: convs, cls: cls}
}

func intentOf(typ domain.IntentType, confidence float64, params map[string]string) domain.Intent {
	return domain.Intent{Type: typ, Confidence: confidence, Parameters: params}
}

func TestHandleMessageAutoExecutesReversibleIntent(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ:    domain.IntentSchedule,
		rev:    domain.ReversibilityEasy,
		result: []byte(`{"event_id":"EVT-9"}`),
	}}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("schedule standup",
		intentOf(domain.IntentSchedule, 0.97, map[string]string{"title": "Standup", "when": "monday 10:00"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "schedule standup", "actor-1")
	require.NoError(t, err)
	require.Len(t, resp.Responses, 1)

	r := resp.Responses[0]
	assert.Equal(t, domain.ModeAuto, r.Mode)
	assert.Equal(t, string(domain.TaskCompleted), r.Status)
	require.NotEmpty(t, r.TaskID)
	assert.JSONEq(t, `{"event_id":"EVT-9"}`, string(r.Result))
	assert.Equal(t, "Done: event EVT-9 is on the calendar.", r.UserMessage)
	assert.Empty(t, r.ConfirmationID)

	row := fx.store.taskByID(r.TaskID)
	require.NotNil(t, row)
	assert.Equal(t, domain.TaskCompleted, row.Status)

	// Write-ahead: вердикт в журнале строго раньше исхода исполнения
	decIdx := fx.rec.indexOf(audit.KindDecision, audit.StatusPlanned, r.TaskID)
	execIdx := fx.rec.indexOf(audit.KindExecution, audit.StatusSuccess, r.TaskID)
	require.GreaterOrEqual(t, decIdx, 0)
	require.GreaterOrEqual(t, execIdx, 0)
	assert.Less(t, decIdx, execIdx, "the decision must hit the journal before the effect")

	// Ход дописан в окно: вопрос пользователя и ответ ассистента
	entries := fx.history.entries("conv-1")
	require.Len(t, entries, 2)
	assert.Equal(t, domain.RoleUser, entries[0].Role)
	assert.Equal(t, "schedule standup", entries[0].Text)
	assert.Equal(t, domain.RoleAssistant, entries[1].Role)
	assert.Equal(t, r.UserMessage, entries[1].Text)
}

func TestHandleMessageIrreversibleNeverAuto(t *testing.T) {
	exec := &stubExec{typ: domain.IntentNotify, rev: domain.ReversibilityNone}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("tell bob we shipped",
		intentOf(domain.IntentNotify, 0.99, map[string]string{"recipient": "bob", "text": "shipped"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "tell bob we shipped", "actor-1")
	require.NoError(t, err)
	require.Len(t, resp.Responses, 1)

	r := resp.Responses[0]
	assert.Equal(t, domain.ModeConfirm, r.Mode, "0.99 confidence must not break the irreversibility floor")
	assert.Equal(t, StatusAwaitingConfirmation, r.Status)
	require.NotEmpty(t, r.ConfirmationID)
	assert.Empty(t, r.TaskID)

	// Задачи не существует, пока человек не сказал "да"
	assert.Equal(t, 0, fx.store.taskCount())
	assert.EqualValues(t, 0, exec.calls.Load())

	conf := fx.store.confirmationByID(r.ConfirmationID)
	require.NotNil(t, conf)
	assert.Equal(t, domain.ConfirmationPending, conf.Status)
	assert.Nil(t, conf.TaskID)
	assert.Equal(t, exec.Preview(conf.Parameters), conf.Preview)
	assert.Contains(t, conf.Reasoning, "require explicit confirmation")
}

func TestResolveConfirmationApproveMaterializesAndRuns(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ:    domain.IntentSummarize,
		rev:    domain.ReversibilityEasy,
		result: []byte(`{"summary":"Three reports, one conclusion.","sources":["doc-1","doc-2"]}`),
	}}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("summarize the reports",
		intentOf(domain.IntentSummarize, 0.88, map[string]string{"query": "reports"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "summarize the reports", "actor-1")
	require.NoError(t, err)
	confID := resp.Responses[0].ConfirmationID
	require.NotEmpty(t, confID)
	require.Equal(t, 0, fx.store.taskCount())

	out, err := fx.o.ResolveConfirmation(context.Background(), confID, "reviewer-7", true, "go ahead")
	require.NoError(t, err)

	require.Equal(t, domain.ConfirmationApproved, out.Confirmation.Status)
	require.NotNil(t, out.Confirmation.TaskID)
	require.NotNil(t, out.Response)
	assert.Equal(t, *out.Confirmation.TaskID, out.Response.TaskID)
	assert.Equal(t, string(domain.TaskCompleted), out.Response.Status)
	assert.Equal(t, "Three reports, one conclusion.", out.Response.UserMessage)

	// Задача появилась только после одобрения и ровно одна
	assert.Equal(t, 1, fx.store.taskCount())
	row := fx.store.taskByID(out.Response.TaskID)
	assert.Equal(t, domain.TaskCompleted, row.Status)

	// Решение человека и write-ahead возобновления в журнале, в порядке событий
	taskID := out.Response.TaskID
	planIdx := fx.rec.indexOf(audit.KindExecution, audit.StatusPlanned, taskID)
	doneIdx := fx.rec.indexOf(audit.KindExecution, audit.StatusSuccess, taskID)
	require.GreaterOrEqual(t, planIdx, 0)
	require.GreaterOrEqual(t, doneIdx, 0)
	assert.Less(t, planIdx, doneIdx)
	assert.GreaterOrEqual(t, fx.rec.indexOf(audit.KindConfirmation, audit.StatusSuccess, ""), 0,
		"the human decision itself must be journaled")

	// Источники сводки стали активными ссылками беседы
	refs, _ := fx.history.References(context.Background(), "conv-1")
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, refs)
}

func TestResolveConfirmationRejectNeverCreatesTask(t *testing.T) {
	exec := &stubExec{typ: domain.IntentNotify, rev: domain.ReversibilityNone}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("notify finance",
		intentOf(domain.IntentNotify, 0.92, map[string]string{"recipient": "finance", "text": "late"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "notify finance", "actor-1")
	require.NoError(t, err)
	confID := resp.Responses[0].ConfirmationID

	out, err := fx.o.ResolveConfirmation(context.Background(), confID, "reviewer-7", false, "wrong recipient")
	require.NoError(t, err)

	assert.Equal(t, domain.ConfirmationRejected, out.Confirmation.Status)
	assert.Nil(t, out.Confirmation.TaskID)
	assert.Nil(t, out.Response, "a rejected confirmation has no execution outcome")

	assert.Equal(t, 0, fx.store.taskCount(), "rejection must leave no task behind")
	assert.EqualValues(t, 0, exec.calls.Load())
	assert.Equal(t, 0, fx.rec.countKind(audit.KindExecution))
	assert.Equal(t, 1, fx.rec.countKind(audit.KindConfirmation))
}

func TestHandleMessageMultiIntentIndependentOutcomes(t *testing.T) {
	cfg := fastConfig()
	cfg.TaskDeadline = 40 * time.Millisecond
	cfg.MaxAttempts = 1

	fast1 := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentSchedule, rev: domain.ReversibilityEasy, result: []byte(`{"event_id":"E-1"}`)}}
	slow := &stubExec{typ: domain.IntentSummarize, rev: domain.ReversibilityEasy, delay: 300 * time.Millisecond}
	fast2 := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentAnalyze, rev: domain.ReversibilityEasy, result: []byte(`{"report":"stable"}`)}}

	fx := newFixture(t, cfg, nil, fast1, slow, fast2)
	fx.cls.set("plan, summarize and analyze",
		intentOf(domain.IntentSchedule, 0.97, map[string]string{"title": "Plan", "when": "tue"}),
		intentOf(domain.IntentSummarize, 0.97, map[string]string{"query": "updates"}),
		intentOf(domain.IntentAnalyze, 0.97, map[string]string{"query": "incidents"}),
	)

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "plan, summarize and analyze", "actor-1")
	require.NoError(t, err)
	require.Len(t, resp.Responses, 3)

	// Исходы независимы и стоят в порядке распознавания
	assert.Equal(t, string(domain.TaskCompleted), resp.Responses[0].Status)
	assert.Equal(t, string(domain.TaskTimedOut), resp.Responses[1].Status)
	assert.Equal(t, string(domain.TaskCompleted), resp.Responses[2].Status)

	assert.Contains(t, resp.Responses[1].UserMessage, "did not finish within its deadline")
	assert.NotEqual(t, resp.Responses[0].TaskID, resp.Responses[2].TaskID)

	assert.Equal(t, domain.TaskTimedOut, fx.store.taskByID(resp.Responses[1].TaskID).Status)
	assert.Equal(t, 3, fx.store.taskCount())
}

func TestHandleMessageDuplicateWithinOneMessageCoalesces(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentSchedule, rev: domain.ReversibilityEasy, result: []byte(`{"event_id":"E-2"}`)}}
	fx := newFixture(t, fastConfig(), nil, exec)

	params := map[string]string{"title": "Demo", "when": "friday"}
	fx.cls.set("book the demo twice",
		intentOf(domain.IntentSchedule, 0.97, params),
		intentOf(domain.IntentSchedule, 0.96, params),
	)

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "book the demo twice", "actor-1")
	require.NoError(t, err)
	require.Len(t, resp.Responses, 2)

	first, second := resp.Responses[0], resp.Responses[1]
	assert.Equal(t, string(domain.TaskCompleted), first.Status)
	assert.Equal(t, first.TaskID, second.TaskID, "the duplicate references the same task")
	assert.Equal(t, StatusInProgress, second.Status)
	assert.Contains(t, second.UserMessage, "already in flight")

	assert.Equal(t, 1, fx.store.taskCount(), "one meaning, one row")
	assert.EqualValues(t, 1, exec.calls.Load(), "one meaning, one execution")

	// След коалесценции: два вердикта в журнале смотрят на одну задачу
	dec := 0
	for _, r := range fx.rec.snapshot() {
		if r.Kind == audit.KindDecision && r.TaskID == first.TaskID {
			dec++
		}
	}
	assert.Equal(t, 2, dec)
	assert.Equal(t, 1, fx.rec.countKind(audit.KindExecution))
}

func TestHandleMessageDuplicateAcrossMessagesJoinsLiveFlight(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ:     domain.IntentSchedule,
		rev:     domain.ReversibilityEasy,
		delay:   80 * time.Millisecond,
		result:  []byte(`{"event_id":"E-3"}`),
		started: make(chan struct{}),
	}}
	fx := newFixture(t, fastConfig(), nil, exec)

	params := map[string]string{"title": "Retro", "when": "thursday"}
	fx.cls.set("schedule the retro", intentOf(domain.IntentSchedule, 0.97, params))

	type result struct {
		resp *MessageResponse
		err  error
	}
	firstDone := make(chan result, 1)
	go func() {
		resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "schedule the retro", "actor-1")
		firstDone <- result{resp, err}
	}()

	// Повтор приходит, пока первое исполнение еще живо
	<-exec.started
	resp2, err := fx.o.HandleMessage(context.Background(), "conv-1", "schedule the retro", "actor-1")
	require.NoError(t, err)

	first := <-firstDone
	require.NoError(t, first.err)

	r1, r2 := first.resp.Responses[0], resp2.Responses[0]
	assert.Equal(t, string(domain.TaskCompleted), r1.Status)
	assert.Equal(t, string(domain.TaskCompleted), r2.Status, "the duplicate waits for the live flight and sees its outcome")
	assert.Equal(t, r1.TaskID, r2.TaskID)
	assert.JSONEq(t, string(r1.Result), string(r2.Result))

	assert.EqualValues(t, 1, exec.calls.Load())
	assert.Equal(t, 1, fx.store.taskCount())
	assert.Equal(t, 1, fx.rec.countKind(audit.KindExecution))
}

func TestHandleMessageClarifyOnUnclassified(t *testing.T) {
	fx := newFixture(t, fastConfig(), nil,
		&stubExec{typ: domain.IntentSchedule, rev: domain.ReversibilityEasy})
	// Текст без каннед-интентов падает в unclassified

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "blorp the frobnicator", "actor-1")
	require.NoError(t, err)
	require.Len(t, resp.Responses, 1)

	r := resp.Responses[0]
	assert.Equal(t, StatusClarification, r.Status)
	assert.Equal(t, domain.ModeClarify, r.Mode)
	assert.Equal(t, "I didn't understand that request. Could you rephrase what you want me to do?", r.UserMessage)
	assert.Empty(t, r.TaskID)
	assert.Empty(t, r.ConfirmationID)

	assert.Equal(t, 0, fx.store.taskCount())
	assert.Equal(t, 1, fx.rec.countKind(audit.KindClarify))

	// Вопрос попал в окно беседы: следующий ход видит, что мы переспросили
	entries := fx.history.entries("conv-1")
	require.Len(t, entries, 2)
	assert.Equal(t, r.UserMessage, entries[1].Text)
}

func TestHandleMessageMissingParameterDowngradesToClarify(t *testing.T) {
	exec := &stubExec{typ: domain.IntentSchedule, rev: domain.ReversibilityEasy, required: []string{"title", "when"}}
	fx := newFixture(t, fastConfig(), nil, exec)
	// Уверенность выше auto-порога, но обязательный параметр не извлечен
	fx.cls.set("schedule something",
		intentOf(domain.IntentSchedule, 0.97, map[string]string{"title": "Sync"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "schedule something", "actor-1")
	require.NoError(t, err)

	r := resp.Responses[0]
	assert.Equal(t, domain.ModeClarify, r.Mode, "invalid parameters demote any verdict to a question")
	assert.Equal(t, StatusClarification, r.Status)
	assert.Contains(t, r.UserMessage, "can't proceed yet")
	assert.Contains(t, r.UserMessage, "when")

	assert.Equal(t, 0, fx.store.taskCount())
	assert.EqualValues(t, 0, exec.calls.Load())
}

func TestHandleMessageAmbiguousPhraseNamesRivals(t *testing.T) {
	fx := newFixture(t, fastConfig(), nil,
		&stubExec{typ: domain.IntentSchedule, rev: domain.ReversibilityEasy},
		&stubExec{typ: domain.IntentNotify, rev: domain.ReversibilityNone})

	raw := "book it"
	i1 := intentOf(domain.IntentSchedule, 0.60, map[string]string{})
	i1.RawText = raw
	i2 := intentOf(domain.IntentNotify, 0.58, map[string]string{})
	i2.RawText = raw
	fx.cls.set(raw, i1, i2)

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", raw, "actor-1")
	require.NoError(t, err)
	require.Len(t, resp.Responses, 2)

	msg := resp.Responses[0].UserMessage
	assert.Contains(t, msg, "could mean")
	assert.Contains(t, msg, `"schedule"`)
	assert.Contains(t, msg, `"notify"`)
	assert.Equal(t, 0, fx.store.taskCount())
}

func TestPreferenceRelaxesOnlyUpperConfirmBand(t *testing.T) {
	prefs := map[string]domain.AutomationPreference{
		"actor-1": {
			ActorID: "actor-1",
			AutoApprove: map[domain.IntentType]bool{
				domain.IntentSchedule: true,
				domain.IntentNotify:   true,
			},
		},
	}
	schedule := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentSchedule, rev: domain.ReversibilityEasy, result: []byte(`{"event_id":"E-5"}`)}}
	notify := &stubExec{typ: domain.IntentNotify, rev: domain.ReversibilityNone}
	fx := newFixture(t, fastConfig(), prefs, schedule, notify)

	// Верхняя полоса confirm + разрешение пользователя = auto
	fx.cls.set("confident schedule",
		intentOf(domain.IntentSchedule, 0.90, map[string]string{"title": "1:1", "when": "wed"}))
	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "confident schedule", "actor-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.TaskCompleted), resp.Responses[0].Status,
		"auto-approve preference lifts the upper confirm band to auto")

	// Необратимый класс: то же разрешение не пробивает пол
	fx.cls.set("confident notify",
		intentOf(domain.IntentNotify, 0.90, map[string]string{"recipient": "ops", "text": "done"}))
	resp, err = fx.o.HandleMessage(context.Background(), "conv-1", "confident notify", "actor-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConfirmation, resp.Responses[0].Status,
		"irreversible actions keep requiring a human regardless of preferences")

	// Нижняя полоса: система сомневается сама, согласие пользователя не помогает
	fx.cls.set("shaky schedule",
		intentOf(domain.IntentSchedule, 0.80, map[string]string{"title": "Kickoff", "when": "fri"}))
	resp, err = fx.o.HandleMessage(context.Background(), "conv-1", "shaky schedule", "actor-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConfirmation, resp.Responses[0].Status,
		"the caution band is not relaxed by preferences")
}

func TestCancelTaskSuppressesInFlightOutcome(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ:       domain.IntentSummarize,
		rev:       domain.ReversibilityEasy,
		delay:     120 * time.Millisecond,
		ignoreCtx: true,
		result:    []byte(`{"summary":"too late","sources":["doc-9"]}`),
		started:   make(chan struct{}),
	}}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("summarize slowly", intentOf(domain.IntentSummarize, 0.97, map[string]string{"query": "slow"}))

	type result struct {
		resp *MessageResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "summarize slowly", "actor-1")
		done <- result{resp, err}
	}()

	<-exec.started
	ids := fx.store.taskIDs()
	require.Len(t, ids, 1)
	taskID := ids[0]

	cancelled, err := fx.o.CancelTask(context.Background(), taskID, "actor-1")
	require.NoError(t, err)
	require.NotNil(t, cancelled)

	got := <-done
	require.NoError(t, got.err)
	r := got.resp.Responses[0]
	assert.Equal(t, string(domain.TaskCancelled), r.Status)
	assert.Equal(t, "The action was cancelled before it finished.", r.UserMessage)
	assert.Nil(t, r.Result, "the late result is discarded, not delivered")

	assert.Equal(t, domain.TaskCancelled, fx.store.taskByID(taskID).Status)
	assert.EqualValues(t, 1, exec.calls.Load(), "the connector did run; only its outcome was thrown away")

	// Один след в журнале: запрошенная отмена. Подавленный исход записи не дает.
	assert.Equal(t, 1, fx.rec.countKind(audit.KindExecution))
	assert.GreaterOrEqual(t, fx.rec.indexOf(audit.KindExecution, audit.StatusCancelled, taskID), 0)

	// Выброшенный результат не оставил ссылок в сессии
	refs, _ := fx.history.References(context.Background(), "conv-1")
	assert.Empty(t, refs)
}

func TestCancelTerminalTaskKeepsStandingOutcome(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentSchedule, rev: domain.ReversibilityEasy, result: []byte(`{"event_id":"E-6"}`)}}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("quick one", intentOf(domain.IntentSchedule, 0.97, map[string]string{"title": "Q", "when": "now"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "quick one", "actor-1")
	require.NoError(t, err)
	taskID := resp.Responses[0].TaskID

	task, err := fx.o.CancelTask(context.Background(), taskID, "actor-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.NotNil(t, task)
	assert.Equal(t, domain.TaskCompleted, task.Status, "the standing outcome is returned alongside the refusal")
}

func TestRollbackWithinWindow(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentSchedule, rev: domain.ReversibilityEasy, result: []byte(`{"event_id":"E-7"}`)}}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("misfire", intentOf(domain.IntentSchedule, 0.97, map[string]string{"title": "Oops", "when": "sat"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "misfire", "actor-1")
	require.NoError(t, err)
	taskID := resp.Responses[0].TaskID

	task, out, err := fx.o.RollbackTask(context.Background(), taskID, "actor-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"reverted"}`, string(out))
	require.NotNil(t, task.RolledBackAt)
	assert.EqualValues(t, 1, exec.compCalls.Load())

	// Write-ahead и для компенсации: PLANNED раньше ROLLED_BACK
	planIdx := fx.rec.indexOf(audit.KindRollback, audit.StatusPlanned, taskID)
	doneIdx := fx.rec.indexOf(audit.KindRollback, audit.StatusRolledBack, taskID)
	require.GreaterOrEqual(t, planIdx, 0)
	require.GreaterOrEqual(t, doneIdx, 0)
	assert.Less(t, planIdx, doneIdx)

	// Повторный откат не проходит: право занимается один раз
	_, _, err = fx.o.RollbackTask(context.Background(), taskID, "actor-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyRolledBack)
	assert.EqualValues(t, 1, exec.compCalls.Load())
}

func TestRollbackAfterWindowExpired(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentSchedule, rev: domain.ReversibilityEasy, result: []byte(`{"event_id":"E-8"}`)}}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("old action", intentOf(domain.IntentSchedule, 0.97, map[string]string{"title": "Old", "when": "sun"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "old action", "actor-1")
	require.NoError(t, err)
	taskID := resp.Responses[0].TaskID

	fx.store.setRollbackDeadline(taskID, time.Now().Add(-time.Second))

	_, _, err = fx.o.RollbackTask(context.Background(), taskID, "actor-1")
	assert.ErrorIs(t, err, domain.ErrRollbackExpired)
	assert.EqualValues(t, 0, exec.compCalls.Load())
	assert.Equal(t, 0, fx.rec.countKind(audit.KindRollback), "an expired window leaves no rollback trace")
}

func TestRollbackUnsupportedWithoutCompensator(t *testing.T) {
	// Класс обратимый, но компенсации нет: окно не открылось при завершении
	exec := &stubExec{typ: domain.IntentAnalyze, rev: domain.ReversibilityEasy, result: []byte(`{"report":"x"}`)}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("analyze it", intentOf(domain.IntentAnalyze, 0.97, map[string]string{"query": "x"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "analyze it", "actor-1")
	require.NoError(t, err)
	taskID := resp.Responses[0].TaskID
	require.Equal(t, string(domain.TaskCompleted), resp.Responses[0].Status)

	_, _, err = fx.o.RollbackTask(context.Background(), taskID, "actor-1")
	assert.ErrorIs(t, err, domain.ErrRollbackUnsupported)
}

func TestRollbackFailureReleasesClaim(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentSchedule, rev: domain.ReversibilityEasy, result: []byte(`{"event_id":"E-9"}`)}}
	exec.compErr = errors.New("calendar rejected the cancellation")
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("sticky", intentOf(domain.IntentSchedule, 0.97, map[string]string{"title": "S", "when": "mon"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "sticky", "actor-1")
	require.NoError(t, err)
	taskID := resp.Responses[0].TaskID

	_, _, err = fx.o.RollbackTask(context.Background(), taskID, "actor-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback failed")
	assert.GreaterOrEqual(t, fx.rec.indexOf(audit.KindRollback, audit.StatusFailed, taskID), 0)

	// Право возвращено: пока окно открыто, попытку можно повторить
	assert.Nil(t, fx.store.taskByID(taskID).RolledBackAt)
	exec.compErr = nil
	task, _, err := fx.o.RollbackTask(context.Background(), taskID, "actor-1")
	require.NoError(t, err)
	assert.NotNil(t, task.RolledBackAt)
}

func TestConfirmationExpiresLazilyOnDecision(t *testing.T) {
	exec := &stubExec{typ: domain.IntentNotify, rev: domain.ReversibilityNone}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("notify later",
		intentOf(domain.IntentNotify, 0.92, map[string]string{"recipient": "hr", "text": "hello"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "notify later", "actor-1")
	require.NoError(t, err)
	confID := resp.Responses[0].ConfirmationID

	// Фоновый свип еще не дошел, но срок уже вышел
	fx.store.setConfirmationExpiry(confID, time.Now().Add(-time.Minute))

	_, err = fx.o.ResolveConfirmation(context.Background(), confID, "reviewer-7", true, "too late")
	assert.ErrorIs(t, err, domain.ErrConfirmationExpired)

	conf := fx.store.confirmationByID(confID)
	assert.Equal(t, domain.ConfirmationExpired, conf.Status)
	assert.Equal(t, 0, fx.store.taskCount(), "an expired approval must not execute")
	assert.EqualValues(t, 0, exec.calls.Load())
	assert.GreaterOrEqual(t, fx.rec.indexOf(audit.KindConfirmation, audit.StatusTimedOut, ""), 0)
}

func TestConfirmationSecondDecisionRefused(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentSummarize, rev: domain.ReversibilityEasy, result: []byte(`{"summary":"done"}`)}}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.cls.set("summarize once", intentOf(domain.IntentSummarize, 0.88, map[string]string{"query": "once"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "summarize once", "actor-1")
	require.NoError(t, err)
	confID := resp.Responses[0].ConfirmationID

	_, err = fx.o.ResolveConfirmation(context.Background(), confID, "reviewer-7", true, "")
	require.NoError(t, err)

	_, err = fx.o.ResolveConfirmation(context.Background(), confID, "reviewer-8", false, "changed my mind")
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided, "a decided confirmation cannot be re-decided")
	assert.EqualValues(t, 1, exec.calls.Load())
}

func TestResolveConfirmationJoinsLiveAutoTask(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ:     domain.IntentSchedule,
		rev:     domain.ReversibilityEasy,
		delay:   100 * time.Millisecond,
		result:  []byte(`{"event_id":"E-10"}`),
		started: make(chan struct{}),
	}}
	fx := newFixture(t, fastConfig(), nil, exec)

	params := map[string]string{"title": "Board", "when": "monday"}
	fx.cls.set("schedule the board meeting", intentOf(domain.IntentSchedule, 0.97, params))
	fx.cls.set("maybe schedule the board meeting", intentOf(domain.IntentSchedule, 0.88, params))

	// Неуверенная формулировка уходит в заявку
	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "maybe schedule the board meeting", "actor-1")
	require.NoError(t, err)
	confID := resp.Responses[0].ConfirmationID
	require.NotEmpty(t, confID)

	// Уверенная с тем же смыслом стартует auto-задачу
	type result struct {
		resp *MessageResponse
		err  error
	}
	autoDone := make(chan result, 1)
	go func() {
		r, aerr := fx.o.HandleMessage(context.Background(), "conv-1", "schedule the board meeting", "actor-1")
		autoDone <- result{r, aerr}
	}()
	<-exec.started

	// Одобрение приходит, пока auto-задача еще бежит: второго исполнения нет
	out, err := fx.o.ResolveConfirmation(context.Background(), confID, "reviewer-7", true, "")
	require.NoError(t, err)

	auto := <-autoDone
	require.NoError(t, auto.err)
	autoTaskID := auto.resp.Responses[0].TaskID

	require.NotNil(t, out.Response)
	assert.Equal(t, autoTaskID, out.Response.TaskID, "the approval binds to the live task instead of spawning a twin")
	assert.Equal(t, string(domain.TaskCompleted), out.Response.Status)
	require.NotNil(t, out.Confirmation.TaskID)
	assert.Equal(t, autoTaskID, *out.Confirmation.TaskID)

	assert.EqualValues(t, 1, exec.calls.Load())
	assert.Equal(t, 1, fx.store.taskCount())
}

func TestResetClearsWindowKeepsJournal(t *testing.T) {
	fx := newFixture(t, fastConfig(), nil,
		&stubExec{typ: domain.IntentSchedule, rev: domain.ReversibilityEasy})

	_, err := fx.o.HandleMessage(context.Background(), "conv-1", "unintelligible mumbling", "actor-1")
	require.NoError(t, err)
	require.NotEmpty(t, fx.history.entries("conv-1"))
	clarifiesBefore := fx.rec.countKind(audit.KindClarify)
	require.Equal(t, 1, clarifiesBefore)

	require.NoError(t, fx.o.ResetConversation(context.Background(), "conv-1", "actor-1"))

	assert.Empty(t, fx.history.entries("conv-1"), "reset wipes the context window")
	conv, err := fx.convs.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.NotNil(t, conv.LastResetAt)
	assert.Equal(t, 1, conv.ResetCount)

	// Журнал не тронут: сброс дописывается, а не стирает
	assert.Equal(t, clarifiesBefore, fx.rec.countKind(audit.KindClarify))
	assert.Equal(t, 1, fx.rec.countKind(audit.KindReset))
}

func TestAuditRefusalBlocksAutoExecution(t *testing.T) {
	exec := &stubCompExec{stubExec: stubExec{
		typ: domain.IntentSchedule, rev: domain.ReversibilityEasy, result: []byte(`{"event_id":"E-11"}`)}}
	fx := newFixture(t, fastConfig(), nil, exec)
	fx.rec.commitErr = errors.New("journal sink down")
	fx.cls.set("schedule during outage",
		intentOf(domain.IntentSchedule, 0.97, map[string]string{"title": "X", "when": "tue"}))

	resp, err := fx.o.HandleMessage(context.Background(), "conv-1", "schedule during outage", "actor-1")
	require.NoError(t, err)

	r := resp.Responses[0]
	assert.Equal(t, string(domain.TaskFailed), r.Status)
	assert.Contains(t, r.UserMessage, "refused")
	assert.EqualValues(t, 0, exec.calls.Load(), "no journal, no effect")

	// Строка-заготовка снята с очереди, чтобы не блокировать повтор по ключу
	ids := fx.store.taskIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, domain.TaskCancelled, fx.store.taskByID(ids[0]).Status)
}

func TestHealthAndServedIntents(t *testing.T) {
	fx := newFixture(t, fastConfig(), nil,
		&stubExec{typ: domain.IntentSchedule, rev: domain.ReversibilityEasy},
		&stubExec{typ: domain.IntentAnalyze, rev: domain.ReversibilityEasy})

	require.NoError(t, fx.o.Health(context.Background()))
	assert.Equal(t, []domain.IntentType{domain.IntentAnalyze, domain.IntentSchedule}, fx.o.ServedIntents())

	fx.store.pingErr = errors.New("pool exhausted")
	assert.Error(t, fx.o.Health(context.Background()))
}
