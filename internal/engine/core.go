package engine

/*
Файл core.go реализует Orchestrator — ядро конвейера обработки сообщений.

Путь одного сообщения:

	сообщение → снимок сессии → классификация (1..N интентов)
	         → шлюз уверенности по каждому интенту
	         → auto: write-ahead запись вердикта → конкурентный диспатч
	         → confirm: заявка HITL, задача НЕ создается до одобрения
	         → clarify: уточняющий вопрос, никаких артефактов кроме журнала
	         → агрегация исходов → коммит хода в сессию

Ключевые гарантии:
  - Write-Ahead Audit: автономный вердикт и возобновленное исполнение
    фиксируются в журнале ДО эффекта. Недоступный журнал — отказ исполнять.
  - Идемпотентность: одинаковая просьба в той же беседе коалесцируется
    в одну задачу, обе ссылки получают один исход.
  - Частичный провал — это данные: каждый интент несет свой статус,
    упавшая задача не роняет соседей по сообщению.
  - Мутации сессии сериализованы по беседе и происходят только после того,
    как исходы задач известны. Подавленные (отмененные) результаты в сессию
    и журнал не попадают.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/classifier"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/executor"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/gate"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/session"
	"go.uber.org/zap"
)

// Store — персистентность задач и заявок, которой оперирует ядро.
// Реализуется postgres.TaskRepo; в тестах подменяется in-memory хранилищем.
type Store interface {
	TaskStore
	Ping(ctx context.Context) error
	CreateTask(ctx context.Context, t *domain.Task) error
	GetTaskByID(ctx context.Context, id string) (*domain.Task, error)
	ActiveTaskIDByKey(ctx context.Context, key string) (string, error)
	ClaimRollback(ctx context.Context, id string) (*domain.Task, error)
	ReleaseRollback(ctx context.Context, id string) error

	CreateConfirmation(ctx context.Context, c *domain.ConfirmationRequest) error
	GetConfirmationByID(ctx context.Context, id string) (*domain.ConfirmationRequest, error)
	UpdateConfirmationStatus(ctx context.Context, id string, status domain.ConfirmationStatus, reviewerID, comment string) (*domain.ConfirmationRequest, error)
	CreateTaskFromConfirmation(ctx context.Context, t *domain.Task, confirmationID string) (string, bool, error)
	FindConfirmations(ctx context.Context, status domain.ConfirmationStatus) ([]*domain.ConfirmationRequest, error)
	ExpireStaleConfirmations(ctx context.Context) ([]string, error)
}

// Статусы интент-ответов, не являющиеся статусами задач
const (
	StatusAwaitingConfirmation = "awaiting_confirmation"
	StatusClarification        = "clarification_needed"
	StatusInProgress           = "in_progress"
)

// IntentResponse — исход одного интента: что решили, что сделали, что сказать.
type IntentResponse struct {
	IntentID       string               `json:"intent_id"`
	Intent         domain.IntentType    `json:"intent"`
	Mode           domain.ExecutionMode `json:"mode"`
	Status         string               `json:"status"`
	Confidence     float64              `json:"confidence"`
	TaskID         string               `json:"task_id,omitempty"`
	ConfirmationID string               `json:"confirmation_id,omitempty"`
	Result         json.RawMessage      `json:"result,omitempty"`
	UserMessage    string               `json:"user_message"`
}

// MessageResponse — агрегированный ответ на одно входящее сообщение.
type MessageResponse struct {
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	TraceID        string           `json:"trace_id"`
	Responses      []IntentResponse `json:"responses"`
}

// ConfirmationOutcome — результат решения по заявке. Response появляется
// только при одобрении: исход запущенной задачи.
type ConfirmationOutcome struct {
	Confirmation *domain.ConfirmationRequest `json:"confirmation"`
	Response     *IntentResponse             `json:"response,omitempty"`
}

// OrchestratorDeps — зависимости ядра. Redis допустимо не задавать:
// движок работает в одноузловом режиме без кросс-инстансных сигналов.
type OrchestratorDeps struct {
	Classifier classifier.Classifier
	Thresholds *gate.MemoThresholds
	Prefs      *MemoPrefs
	Sessions   *session.Manager
	Store      Store
	Registry   *executor.Registry
	Journal    audit.Recorder
	Redis      *redis.Client
	Metrics    *Metrics
	Logger     *zap.Logger
	Config     infra.OrchestratorConfig
}

type Orchestrator struct {
	classifier classifier.Classifier
	thresholds *gate.MemoThresholds
	prefs      *MemoPrefs
	sessions   *session.Manager
	store      Store
	registry   *executor.Registry
	dispatcher *Dispatcher
	tracker    *Tracker
	journal    audit.Recorder
	rdb        *redis.Client
	metrics    *Metrics
	logger     *zap.Logger
	cfg        infra.OrchestratorConfig

	// Контекст жизни движка. Диспатч идет под ним, а не под HTTP-запросом:
	// обрыв соединения с клиентом не бросает начатый эффект на полпути.
	baseCtx context.Context
}

func NewOrchestrator(baseCtx context.Context, d OrchestratorDeps) *Orchestrator {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	cfg := d.Config.Normalized()

	metrics := d.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := NewTracker()
	o := &Orchestrator{
		classifier: d.Classifier,
		thresholds: d.Thresholds,
		prefs:      d.Prefs,
		sessions:   d.Sessions,
		store:      d.Store,
		registry:   d.Registry,
		tracker:    tracker,
		journal:    d.Journal,
		rdb:        d.Redis,
		metrics:    metrics,
		logger:     logger.With(zap.String("mod", "orchestrator")),
		cfg:        cfg,
		baseCtx:    baseCtx,
	}
	o.dispatcher = NewDispatcher(d.Registry, d.Store, d.Journal, tracker, metrics, cfg, logger)
	return o
}

// HandleMessage — единая точка входа конвейера. Блокируется, пока все
// порожденные сообщением задачи не достигнут терминального статуса, и
// возвращает по ответу на каждый распознанный интент в порядке распознавания.
func (o *Orchestrator) HandleMessage(ctx context.Context, conversationID, text, actorID string) (*MessageResponse, error) {
	start := time.Now()
	traceID := extractTraceID(ctx)
	messageID := uuid.NewString()
	log := o.logger.With(
		zap.String("trace_id", traceID),
		zap.String("conversation_id", conversationID))

	if err := o.sessions.Ensure(ctx, conversationID, actorID); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
		o.metrics.MessageDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("engine: ensure conversation: %w", err)
	}

	sc, err := o.sessions.Snapshot(ctx, conversationID, actorID)
	if err != nil {
		// Потеря окна истории деградирует качество разбора, но не роняет сообщение
		log.Warn("session snapshot unavailable, classifying without history", zap.Error(err))
		o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
		sc = domain.SessionContext{ConversationID: conversationID, ActorID: actorID, CapturedAt: time.Now()}
	}
	sc.Preference = o.prefs.For(ctx, actorID)

	intents := o.classifier.Classify(ctx, messageID, text, sc)
	log.Info("message classified",
		zap.String("message_id", messageID),
		zap.Int("intents", len(intents)))

	resp := &MessageResponse{
		ConversationID: conversationID,
		MessageID:      messageID,
		TraceID:        traceID,
		Responses:      make([]IntentResponse, len(intents)),
	}

	// Фаза решений: последовательно, шлюз чистый и дешевый
	type admitted struct {
		idx  int
		task *domain.Task
	}
	var toDispatch []admitted
	for i, intent := range intents {
		ir, task := o.decide(ctx, intent, intents, sc)
		resp.Responses[i] = ir
		if task != nil {
			toDispatch = append(toDispatch, admitted{idx: i, task: task})
		}
	}

	// Фаза исполнения: все допущенные задачи стартуют одновременно
	if len(toDispatch) > 0 {
		dispatchCtx := WithTraceID(o.baseCtx, traceID)
		var wg sync.WaitGroup
		for _, a := range toDispatch {
			wg.Add(1)
			go func(a admitted) {
				defer wg.Done()
				report := o.dispatcher.Dispatch(dispatchCtx, a.task)
				o.applyReport(&resp.Responses[a.idx], report)
			}(a)
		}
		wg.Wait()
	}

	// Коммит хода: строго после того, как исходы известны
	o.commitTurn(ctx, conversationID, messageID, text, resp.Responses)
	o.deliver(ctx, conversationID, resp.Responses...)

	o.metrics.MessageDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return resp, nil
}

// decide прогоняет один интент через шлюз и выбирает ветку конвейера.
// Ненулевая задача означает вердикт auto: она создана, записана в журнал
// и готова к диспатчу.
func (o *Orchestrator) decide(ctx context.Context, intent domain.Intent, siblings []domain.Intent, sc domain.SessionContext) (IntentResponse, *domain.Task) {
	ir := IntentResponse{IntentID: intent.ID, Intent: intent.Type, Confidence: intent.Confidence}

	exec, lerr := o.registry.Lookup(intent.Type)
	if lerr != nil {
		// Нераспознанный или необслуживаемый тип умеет только уточняться
		ir.Mode = domain.ModeClarify
		ir.Status = StatusClarification
		ir.UserMessage = clarifyQuestion(intent, siblings, "")
		o.metrics.GateDecisions.WithLabelValues(string(intent.Type), string(domain.ModeClarify)).Inc()
		o.journal.Observe(o.clarifyRecord(ctx, sc, intent, "no executor serves this intent type", ir.UserMessage))
		return ir, nil
	}

	decision := gate.Decide(intent, exec.Reversibility(), sc.Preference, o.thresholds.For(intent.Type))

	// Дыра в обязательных параметрах понижает вердикт до уточнения:
	// ни исполнять, ни подтверждать невалидную задачу нельзя
	var cause string
	if decision.Mode != domain.ModeClarify {
		if verr := exec.Validate(intent.Parameters); verr != nil {
			cause = verr.Error()
			decision.Mode = domain.ModeClarify
			decision.Reasoning = cause
		}
	}

	ir.Mode = decision.Mode
	o.metrics.GateDecisions.WithLabelValues(string(intent.Type), string(decision.Mode)).Inc()

	switch decision.Mode {
	case domain.ModeAuto:
		return o.admitAuto(ctx, intent, decision, exec, sc, ir)
	case domain.ModeConfirm:
		return o.suspend(ctx, intent, decision, exec, sc, ir), nil
	default:
		ir.Status = StatusClarification
		ir.UserMessage = clarifyQuestion(intent, siblings, cause)
		o.journal.Observe(o.clarifyRecord(ctx, sc, intent, decision.Reasoning, ir.UserMessage))
		return ir, nil
	}
}

// admitAuto создает задачу под автономное исполнение. Дубликат по ключу
// идемпотентности коалесцируется в живую задачу вместо второго запуска.
func (o *Orchestrator) admitAuto(ctx context.Context, intent domain.Intent, decision domain.GateDecision, exec executor.Executor, sc domain.SessionContext, ir IntentResponse) (IntentResponse, *domain.Task) {
	task := &domain.Task{
		ID:             uuid.NewString(),
		IntentID:       intent.ID,
		ConversationID: sc.ConversationID,
		ActorID:        sc.ActorID,
		Type:           intent.Type,
		IdempotencyKey: domain.IdempotencyKey(sc.ConversationID, intent.Type, intent.Parameters),
		Status:         domain.TaskPending,
		Reversibility:  exec.Reversibility(),
		Parameters:     intent.Parameters,
		CreatedAt:      time.Now(),
	}
	decision.TaskID = task.ID

	for tries := 0; ; tries++ {
		err := o.store.CreateTask(ctx, task)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrTaskExists) {
			return o.storageFailure(ir, "task create failed", err), nil
		}

		existingID, lerr := o.store.ActiveTaskIDByKey(ctx, task.IdempotencyKey)
		if lerr != nil {
			return o.storageFailure(ir, "idempotency lookup failed", lerr), nil
		}
		if existingID != "" {
			return o.coalesce(ctx, intent, decision, sc, existingID, task.IdempotencyKey, ir), nil
		}
		// Живая задача успела финализироваться между INSERT и SELECT:
		// пробуем вставку еще раз
		if tries >= 2 {
			return o.storageFailure(ir, "task create kept conflicting", err), nil
		}
	}

	// Write-ahead: вердикт попадает в журнал ДО эффекта. Недоступный журнал —
	// это отказ исполнять, а не исполнение без следа.
	if err := o.journal.Commit(ctx, o.decisionRecord(ctx, sc, intent, decision, audit.StatusPlanned)); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("audit_unavailable").Inc()
		o.logger.Error("write-ahead decision commit failed, refusing to execute",
			zap.String("task_id", task.ID), zap.Error(err))
		if cErr := o.store.CancelTask(ctx, task.ID); cErr != nil {
			o.logger.Warn("pending task left behind after audit refusal",
				zap.String("task_id", task.ID), zap.Error(cErr))
		}
		ir.Status = string(domain.TaskFailed)
		ir.UserMessage = "The audit journal is unavailable, so I refused to run this action. Nothing was done."
		return ir, nil
	}

	ir.TaskID = task.ID
	ir.Status = StatusInProgress
	return ir, task
}

// coalesce пристегивает повторную просьбу к уже бегущей задаче: исполнение
// одно, ссылок на исход две.
func (o *Orchestrator) coalesce(ctx context.Context, intent domain.Intent, decision domain.GateDecision, sc domain.SessionContext, existingID, key string, ir IntentResponse) IntentResponse {
	decision.TaskID = existingID
	// Второй DECISION с тем же task_id — след коалесценции в журнале
	o.journal.Observe(o.decisionRecord(ctx, sc, intent, decision, audit.StatusPlanned))
	o.logger.Info("duplicate request coalesced",
		zap.String("task_id", existingID),
		zap.String("intent_id", intent.ID))

	ir.TaskID = existingID
	if fl := o.tracker.Join(key); fl != nil && fl.TaskID == existingID {
		if report, err := fl.Wait(ctx); err == nil {
			o.applyReport(&ir, report)
			return ir
		}
	}
	// Бежит на другом инстансе или еще не стартовала: отдаем ссылку на исход
	ir.Status = StatusInProgress
	ir.UserMessage = "The same request is already in flight; I won't start it a second time."
	return ir
}

// suspend приостанавливает интент до явного "да". Задача здесь НЕ создается:
// заявка несет полный снимок интента, строка в tasks появится после одобрения.
func (o *Orchestrator) suspend(ctx context.Context, intent domain.Intent, decision domain.GateDecision, exec executor.Executor, sc domain.SessionContext, ir IntentResponse) IntentResponse {
	now := time.Now()
	conf := &domain.ConfirmationRequest{
		ID:             uuid.NewString(),
		IntentID:       intent.ID,
		ConversationID: sc.ConversationID,
		ActorID:        sc.ActorID,
		IntentType:     intent.Type,
		Parameters:     intent.Parameters,
		Preview:        exec.Preview(intent.Parameters),
		Reasoning:      decision.Reasoning,
		Confidence:     intent.Confidence,
		Status:         domain.ConfirmationPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(o.cfg.ConfirmationTTL),
	}
	if err := o.store.CreateConfirmation(ctx, conf); err != nil {
		return o.storageFailure(ir, "confirmation create failed", err)
	}

	rec := o.decisionRecord(ctx, sc, intent, decision, audit.StatusPlanned)
	rec.Response = map[string]interface{}{
		"confirmation_id": conf.ID,
		"preview":         conf.Preview,
	}
	o.journal.Observe(rec)
	o.logger.Info("intent suspended for confirmation",
		zap.String("confirmation_id", conf.ID),
		zap.String("intent_id", intent.ID),
		zap.Float64("confidence", intent.Confidence))

	ir.ConfirmationID = conf.ID
	ir.Status = StatusAwaitingConfirmation
	ir.UserMessage = fmt.Sprintf("Confirmation required: %s. %s", conf.Preview, decision.Reasoning)
	return ir
}

func (o *Orchestrator) storageFailure(ir IntentResponse, msg string, err error) IntentResponse {
	o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
	o.logger.Error(msg, zap.String("intent_id", ir.IntentID), zap.Error(err))
	ir.Status = string(domain.TaskFailed)
	ir.UserMessage = "I couldn't persist this request, nothing was executed. Please try again."
	return ir
}

// applyReport переводит терминальный отчет диспетчера в пользовательский ответ.
func (o *Orchestrator) applyReport(ir *IntentResponse, report TaskReport) {
	ir.TaskID = report.TaskID
	ir.Status = string(report.Status)
	switch report.Status {
	case domain.TaskCompleted:
		ir.Result = report.Result
		ir.UserMessage = doneMessage(report)
	case domain.TaskTimedOut:
		ir.UserMessage = fmt.Sprintf("The action did not finish within its deadline after %d attempts. Treat it as not done.", report.Attempts)
	case domain.TaskCancelled:
		ir.UserMessage = "The action was cancelled before it finished."
	default:
		ir.UserMessage = fmt.Sprintf("The action failed after %d attempts: %s.", report.Attempts, report.Error)
	}
}

// doneMessage строит ответ об успехе из результата исполнителя.
func doneMessage(report TaskReport) string {
	switch report.Type {
	case domain.IntentSchedule:
		if id := gjson.GetBytes(report.Result, "event_id"); id.Exists() {
			return fmt.Sprintf("Done: event %s is on the calendar.", id.String())
		}
	case domain.IntentSummarize:
		if s := gjson.GetBytes(report.Result, "summary"); s.Exists() {
			return s.String()
		}
	case domain.IntentAnalyze:
		if r := gjson.GetBytes(report.Result, "report"); r.Exists() {
			return r.String()
		}
	case domain.IntentNotify:
		if id := gjson.GetBytes(report.Result, "message_id"); id.Exists() {
			return fmt.Sprintf("Done: message %s delivered.", id.String())
		}
	}
	return "Done."
}

// clarifyQuestion формулирует уточняющий вопрос. Конкурирующие интерпретации
// того же фрагмента называются явно: выбор принадлежит пользователю.
func clarifyQuestion(intent domain.Intent, siblings []domain.Intent, cause string) string {
	if intent.Type == domain.IntentUnclassified {
		return "I didn't understand that request. Could you rephrase what you want me to do?"
	}
	if cause != "" {
		return fmt.Sprintf("I read this as %q, but I can't proceed yet: %s. Could you fill that in?", intent.Type, cause)
	}

	var rivals []string
	for _, s := range siblings {
		if s.ID != intent.ID && s.RawText == intent.RawText && s.Type != intent.Type {
			rivals = append(rivals, fmt.Sprintf("%q", s.Type))
		}
	}
	if len(rivals) > 0 {
		return fmt.Sprintf("The phrase %q could mean %q or %s. Which one did you mean?",
			intent.RawText, intent.Type, strings.Join(rivals, " or "))
	}
	return fmt.Sprintf("I think you want %q, but I'm not confident enough to act on it. Could you confirm or add details?", intent.Type)
}

// deliver публикует ответы в канал доставки беседы. Подписчик (веб-клиент,
// чат-бот) может отсутствовать: сбой доставки логируется и никогда не влияет
// на завершение задачи.
func (o *Orchestrator) deliver(ctx context.Context, conversationID string, responses ...IntentResponse) {
	if o.rdb == nil {
		return
	}
	channel := infra.DeliveryChannel(conversationID)
	for _, r := range responses {
		payload, err := json.Marshal(r)
		if err != nil {
			continue
		}
		if err := o.rdb.Publish(ctx, channel, payload).Err(); err != nil {
			o.logger.Warn("response delivery failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}
	}
}

// commitTurn дописывает ход в окно беседы. Источники успешных сводок
// становятся активными ссылками; результаты отмененных задач в сессию
// не попадают.
func (o *Orchestrator) commitTurn(ctx context.Context, conversationID, messageID, text string, responses []IntentResponse) {
	now := time.Now()
	entries := make([]domain.HistoryEntry, 0, len(responses)+1)
	entries = append(entries, domain.HistoryEntry{
		MessageID: messageID,
		Role:      domain.RoleUser,
		Text:      text,
		CreatedAt: now,
	})

	var refs []string
	for _, r := range responses {
		entries = append(entries, domain.HistoryEntry{
			MessageID: r.IntentID,
			Role:      domain.RoleAssistant,
			Text:      r.UserMessage,
			CreatedAt: now,
		})
		if r.Status == string(domain.TaskCompleted) {
			refs = append(refs, resultRefs(r.Result)...)
		}
	}

	if err := o.sessions.CommitTurn(ctx, conversationID, entries, refs); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
		o.logger.Warn("turn commit failed, history window degraded",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// resultRefs достает ссылки на задействованные документы из результата.
func resultRefs(result json.RawMessage) []string {
	var refs []string
	for _, src := range gjson.GetBytes(result, "sources").Array() {
		if s := src.String(); s != "" {
			refs = append(refs, s)
		}
	}
	return refs
}

// ResolveConfirmation решает заявку HITL. Одобрение материализует задачу из
// снимка интента и блокирующе исполняет ее: решивший видит исход сразу.
func (o *Orchestrator) ResolveConfirmation(ctx context.Context, confirmationID, reviewerID string, approve bool, comment string) (*ConfirmationOutcome, error) {
	conf, err := o.store.GetConfirmationByID(ctx, confirmationID)
	if err != nil {
		return nil, err
	}

	// Протухшие заявки закрываются лениво: фоновый свип мог еще не дойти
	if conf.Status == domain.ConfirmationPending && time.Now().After(conf.ExpiresAt) {
		expired, uerr := o.store.UpdateConfirmationStatus(ctx, confirmationID, domain.ConfirmationExpired, "system", "expired before a decision was made")
		if uerr == nil {
			o.journal.Observe(o.confirmationRecord(ctx, expired, audit.StatusTimedOut))
			return nil, fmt.Errorf("%w (id: %s)", domain.ErrConfirmationExpired, confirmationID)
		}
		// Гонка с параллельным решением: перечитываем фактический статус
		if conf, err = o.store.GetConfirmationByID(ctx, confirmationID); err != nil {
			return nil, err
		}
	}
	if conf.Status == domain.ConfirmationExpired {
		return nil, fmt.Errorf("%w (id: %s)", domain.ErrConfirmationExpired, confirmationID)
	}

	status := domain.ConfirmationRejected
	if approve {
		status = domain.ConfirmationApproved
	}
	updated, err := o.store.UpdateConfirmationStatus(ctx, confirmationID, status, reviewerID, comment)
	if err != nil {
		return nil, err
	}

	auditStatus := audit.StatusCancelled
	if approve {
		auditStatus = audit.StatusSuccess
	}
	o.journal.Observe(o.confirmationRecord(ctx, updated, auditStatus))
	o.logger.Info("confirmation decided",
		zap.String("confirmation_id", confirmationID),
		zap.String("status", string(status)),
		zap.String("reviewer_id", reviewerID))

	out := &ConfirmationOutcome{Confirmation: updated}
	if !approve {
		return out, nil
	}

	ir := o.resumeApproved(ctx, updated)
	out.Response = &ir
	return out, nil
}

// resumeApproved материализует задачу по одобренной заявке и доводит ее до
// терминального статуса. Сюда же приходят сигналы консоли и досинхронизация:
// FOR UPDATE в хранилище гарантирует, что материализация случится один раз.
func (o *Orchestrator) resumeApproved(ctx context.Context, conf *domain.ConfirmationRequest) IntentResponse {
	ir := IntentResponse{
		IntentID:       conf.IntentID,
		Intent:         conf.IntentType,
		Mode:           domain.ModeConfirm,
		Confidence:     conf.Confidence,
		ConfirmationID: conf.ID,
	}

	exec, err := o.registry.Lookup(conf.IntentType)
	if err != nil {
		ir.Status = string(domain.TaskFailed)
		ir.UserMessage = "The approved action is no longer supported by this deployment."
		o.logger.Error("approved confirmation has no executor",
			zap.String("confirmation_id", conf.ID), zap.Error(err))
		return ir
	}

	task := &domain.Task{
		ID:             uuid.NewString(),
		IntentID:       conf.IntentID,
		ConversationID: conf.ConversationID,
		ActorID:        conf.ActorID,
		Type:           conf.IntentType,
		IdempotencyKey: domain.IdempotencyKey(conf.ConversationID, conf.IntentType, conf.Parameters),
		Status:         domain.TaskPending,
		Reversibility:  exec.Reversibility(),
		Parameters:     conf.Parameters,
		CreatedAt:      time.Now(),
	}

	taskID, created, err := o.store.CreateTaskFromConfirmation(ctx, task, conf.ID)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("storage").Inc()
		o.logger.Error("approved confirmation could not materialize a task",
			zap.String("confirmation_id", conf.ID), zap.Error(err))
		ir.Status = string(domain.TaskFailed)
		ir.UserMessage = "The approval was recorded, but the task could not be started. It will be retried shortly."
		return ir
	}

	// Хранилище привязало заявку к задаче, возвращаемый снимок должен это отражать
	ir.TaskID = taskID
	conf.TaskID = &taskID
	if !created {
		// Та же просьба уже бежит: заявка привязана к живой задаче
		if fl := o.tracker.Join(task.IdempotencyKey); fl != nil && fl.TaskID == taskID {
			if report, werr := fl.Wait(ctx); werr == nil {
				o.applyReport(&ir, report)
				return ir
			}
		}
		ir.Status = StatusInProgress
		ir.UserMessage = "The same request is already in flight; approving did not start it a second time."
		return ir
	}

	// Write-ahead: одобренное исполнение фиксируется до эффекта
	rec := audit.Record{
		ID:             uuid.NewString(),
		TraceID:        extractTraceID(ctx),
		ConversationID: conf.ConversationID,
		ActorID:        conf.ActorID,
		TaskID:         taskID,
		IntentID:       conf.IntentID,
		Kind:           audit.KindExecution,
		TaskType:       string(conf.IntentType),
		Parameters:     paramsToMap(conf.Parameters),
		Mode:           string(domain.ModeConfirm),
		Confidence:     conf.Confidence,
		Reasoning:      "approved by " + strPtrOr(conf.ReviewerID, "unknown"),
		Status:         audit.StatusPlanned,
	}
	if err := o.journal.Commit(ctx, rec); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("audit_unavailable").Inc()
		o.logger.Error("write-ahead commit failed for approved task, refusing to execute",
			zap.String("task_id", taskID), zap.Error(err))
		if cErr := o.store.CancelTask(ctx, taskID); cErr != nil {
			o.logger.Warn("pending approved task left behind after audit refusal",
				zap.String("task_id", taskID), zap.Error(cErr))
		}
		ir.Status = string(domain.TaskFailed)
		ir.UserMessage = "The audit journal is unavailable, so the approved action was not executed."
		return ir
	}

	report := o.dispatcher.Dispatch(WithTraceID(o.baseCtx, extractTraceID(ctx)), task)
	o.applyReport(&ir, report)
	o.commitResumedTurn(ctx, conf, ir)
	o.deliver(ctx, conf.ConversationID, ir)
	return ir
}

// commitResumedTurn дописывает исход одобренной задачи в окно беседы, чтобы
// следующий ход пользователя видел, чем кончилось подтвержденное действие.
func (o *Orchestrator) commitResumedTurn(ctx context.Context, conf *domain.ConfirmationRequest, ir IntentResponse) {
	entry := domain.HistoryEntry{
		MessageID: conf.IntentID,
		Role:      domain.RoleAssistant,
		Text:      ir.UserMessage,
		CreatedAt: time.Now(),
	}
	var refs []string
	if ir.Status == string(domain.TaskCompleted) {
		refs = resultRefs(ir.Result)
	}
	if err := o.sessions.CommitTurn(ctx, conf.ConversationID, []domain.HistoryEntry{entry}, refs); err != nil {
		o.logger.Warn("resumed turn commit failed",
			zap.String("conversation_id", conf.ConversationID), zap.Error(err))
	}
}

// CancelTask запрашивает отмену задачи. Best-effort: бегущему исполнителю
// обрывается контекст, а если он не умеет прерываться, его поздний результат
// будет выброшен без записи в журнал и сессию. Терминальную задачу отменить
// нельзя: исход уже состоялся и остается в силе.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID, requestedBy string) (*domain.Task, error) {
	t, err := o.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, fmt.Errorf("%w: task %s is already %s", domain.ErrInvalidTransition, taskID, t.Status)
	}

	if o.tracker.Cancel(taskID) {
		o.logger.Info("in-flight task suppressed",
			zap.String("task_id", taskID), zap.String("requested_by", requestedBy))
	} else if cErr := o.store.CancelTask(ctx, taskID); cErr != nil {
		// Не в очереди и не у нас: либо бежит на другом инстансе, либо успела
		// финализироваться прямо сейчас
		fresh, gErr := o.store.GetTaskByID(ctx, taskID)
		if gErr == nil && fresh.Status.Terminal() && fresh.Status != domain.TaskCancelled {
			return fresh, fmt.Errorf("%w: task %s is already %s", domain.ErrInvalidTransition, taskID, fresh.Status)
		}
		if o.rdb != nil {
			if pErr := o.rdb.Publish(ctx, infra.RedisChanTaskCancel, taskID).Err(); pErr != nil {
				o.logger.Warn("cancel signal publish failed",
					zap.String("task_id", taskID), zap.Error(pErr))
			}
		}
	}

	// Единственный след отмены в журнале: сам подавленный исход не пишется
	o.journal.Observe(audit.Record{
		ID:             uuid.NewString(),
		TraceID:        extractTraceID(ctx),
		ConversationID: t.ConversationID,
		ActorID:        requestedBy,
		TaskID:         taskID,
		IntentID:       t.IntentID,
		Kind:           audit.KindExecution,
		TaskType:       string(t.Type),
		Parameters:     paramsToMap(t.Parameters),
		Status:         audit.StatusCancelled,
		Reasoning:      "cancellation requested by user",
	})

	if fresh, gErr := o.store.GetTaskByID(ctx, taskID); gErr == nil {
		return fresh, nil
	}
	return t, nil
}

// RollbackTask компенсирует завершенную задачу в пределах окна отката.
// Право на откат занимается атомарно; сорвавшаяся компенсация возвращает
// право, и попытку можно повторить, пока окно не истекло.
func (o *Orchestrator) RollbackTask(ctx context.Context, taskID, requestedBy string) (*domain.Task, json.RawMessage, error) {
	claimed, err := o.store.ClaimRollback(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	release := func() {
		if rErr := o.store.ReleaseRollback(ctx, taskID); rErr != nil {
			o.logger.Warn("rollback claim release failed",
				zap.String("task_id", taskID), zap.Error(rErr))
		}
	}

	exec, lerr := o.registry.Lookup(claimed.Type)
	var comp executor.Compensator
	if lerr == nil {
		comp, _ = exec.(executor.Compensator)
	}
	if comp == nil {
		release()
		return nil, nil, fmt.Errorf("%w: no compensator for %s", domain.ErrRollbackUnsupported, claimed.Type)
	}

	// Write-ahead: откат — это эффект, без записи в журнал он не исполняется
	if err := o.journal.Commit(ctx, o.rollbackRecord(ctx, claimed, requestedBy, audit.StatusPlanned, nil, "")); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("audit_unavailable").Inc()
		release()
		return nil, nil, fmt.Errorf("engine: rollback refused, audit unavailable: %w", err)
	}

	compCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskDeadline)
	defer cancel()

	out, cErr := comp.Compensate(compCtx, claimed)
	if cErr != nil {
		o.metrics.ErrorTotal.WithLabelValues("executor_error").Inc()
		release()
		if aErr := o.journal.Commit(ctx, o.rollbackRecord(ctx, claimed, requestedBy, audit.StatusFailed, nil, cErr.Error())); aErr != nil {
			o.logger.Error("rollback failure commit failed",
				zap.String("task_id", taskID), zap.Error(aErr))
		}
		return nil, nil, fmt.Errorf("engine: rollback failed: %w", cErr)
	}

	if aErr := o.journal.Commit(ctx, o.rollbackRecord(ctx, claimed, requestedBy, audit.StatusRolledBack, out, "")); aErr != nil {
		o.logger.Error("rollback outcome commit failed",
			zap.String("task_id", taskID), zap.Error(aErr))
	}
	o.logger.Info("task rolled back",
		zap.String("task_id", taskID), zap.String("requested_by", requestedBy))

	fresh, gErr := o.store.GetTaskByID(ctx, taskID)
	if gErr != nil {
		fresh = claimed
	}
	return fresh, out, nil
}

// ResetConversation обнуляет окно контекста ("новая тема"). Запись беседы
// и журнал не трогаются: сброс виден в аудите, а не стирает его.
func (o *Orchestrator) ResetConversation(ctx context.Context, conversationID, requestedBy string) error {
	if err := o.sessions.Reset(ctx, conversationID); err != nil {
		return err
	}
	o.journal.Observe(audit.Record{
		ID:             uuid.NewString(),
		TraceID:        extractTraceID(ctx),
		ConversationID: conversationID,
		ActorID:        requestedBy,
		Kind:           audit.KindReset,
		Status:         audit.StatusSuccess,
		Response:       "context window cleared",
	})
	return nil
}

// GetTask — статус задачи для опроса клиентом.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return o.store.GetTaskByID(ctx, id)
}

// Health — доступность персистентности движка.
func (o *Orchestrator) Health(ctx context.Context) error {
	return o.store.Ping(ctx)
}

// ServedIntents — типы, которые реально обслуживает этот деплой.
func (o *Orchestrator) ServedIntents() []domain.IntentType {
	return o.registry.Types()
}

// decisionRecord собирает журнальную запись вердикта шлюза.
func (o *Orchestrator) decisionRecord(ctx context.Context, sc domain.SessionContext, intent domain.Intent, decision domain.GateDecision, status string) audit.Record {
	return audit.Record{
		ID:             uuid.NewString(),
		TraceID:        extractTraceID(ctx),
		ConversationID: sc.ConversationID,
		ActorID:        sc.ActorID,
		TaskID:         decision.TaskID,
		IntentID:       intent.ID,
		Kind:           audit.KindDecision,
		TaskType:       string(intent.Type),
		Parameters:     paramsToMap(intent.Parameters),
		Mode:           string(decision.Mode),
		Confidence:     decision.Confidence,
		Reasoning:      decision.Reasoning,
		Status:         status,
		Response:       decision,
	}
}

func (o *Orchestrator) clarifyRecord(ctx context.Context, sc domain.SessionContext, intent domain.Intent, reasoning, question string) audit.Record {
	return audit.Record{
		ID:             uuid.NewString(),
		TraceID:        extractTraceID(ctx),
		ConversationID: sc.ConversationID,
		ActorID:        sc.ActorID,
		IntentID:       intent.ID,
		Kind:           audit.KindClarify,
		TaskType:       string(intent.Type),
		Parameters:     paramsToMap(intent.Parameters),
		Mode:           string(domain.ModeClarify),
		Confidence:     intent.Confidence,
		Reasoning:      reasoning,
		Status:         audit.StatusSuccess,
		Response:       question,
	}
}

func (o *Orchestrator) confirmationRecord(ctx context.Context, conf *domain.ConfirmationRequest, status string) audit.Record {
	rec := audit.Record{
		ID:             uuid.NewString(),
		TraceID:        extractTraceID(ctx),
		ConversationID: conf.ConversationID,
		ActorID:        conf.ActorID,
		IntentID:       conf.IntentID,
		Kind:           audit.KindConfirmation,
		TaskType:       string(conf.IntentType),
		Parameters:     paramsToMap(conf.Parameters),
		Mode:           string(domain.ModeConfirm),
		Confidence:     conf.Confidence,
		Status:         status,
		Response: map[string]interface{}{
			"confirmation_id": conf.ID,
			"decision":        string(conf.Status),
			"reviewer_id":     strPtrOr(conf.ReviewerID, ""),
		},
	}
	if conf.TaskID != nil {
		rec.TaskID = *conf.TaskID
	}
	return rec
}

func (o *Orchestrator) rollbackRecord(ctx context.Context, t *domain.Task, requestedBy, status string, out []byte, errMsg string) audit.Record {
	rec := audit.Record{
		ID:             uuid.NewString(),
		TraceID:        extractTraceID(ctx),
		ConversationID: t.ConversationID,
		ActorID:        requestedBy,
		TaskID:         t.ID,
		IntentID:       t.IntentID,
		Kind:           audit.KindRollback,
		TaskType:       string(t.Type),
		Parameters:     paramsToMap(t.Parameters),
		Status:         status,
		Error:          errMsg,
	}
	if len(out) > 0 {
		var v interface{}
		if json.Unmarshal(out, &v) == nil {
			rec.Response = v
		}
	}
	return rec
}

func strPtrOr(p *string, fallback string) string {
	if p != nil && *p != "" {
		return *p
	}
	return fallback
}
