package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/connectors"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

/*
Тестовые дублеры пакета. In-memory хранилище повторяет семантику
postgres.TaskRepo, включая условия конечного автомата в UPDATE-ах:
тесты ядра должны ловить те же переходы, что и продовая база.
*/

type memStore struct {
	mu            sync.Mutex
	tasks         map[string]*domain.Task
	confirmations map[string]*domain.ConfirmationRequest
	pingErr       error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:         make(map[string]*domain.Task),
		confirmations: make(map[string]*domain.ConfirmationRequest),
	}
}

func cloneTask(t *domain.Task) *domain.Task {
	cp := *t
	if t.Parameters != nil {
		cp.Parameters = make(map[string]string, len(t.Parameters))
		for k, v := range t.Parameters {
			cp.Parameters[k] = v
		}
	}
	if t.Result != nil {
		cp.Result = append([]byte(nil), t.Result...)
	}
	return &cp
}

func cloneConfirmation(c *domain.ConfirmationRequest) *domain.ConfirmationRequest {
	cp := *c
	if c.Parameters != nil {
		cp.Parameters = make(map[string]string, len(c.Parameters))
		for k, v := range c.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

func (s *memStore) CreateTask(_ context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.tasks {
		if ex.IdempotencyKey == t.IdempotencyKey && !ex.Status.Terminal() {
			return fmt.Errorf("%w (key: %s)", domain.ErrTaskExists, t.IdempotencyKey)
		}
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *memStore) GetTaskByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w (id: %s)", domain.ErrTaskNotFound, id)
	}
	return cloneTask(t), nil
}

func (s *memStore) ActiveTaskIDByKey(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.IdempotencyKey == key && !t.Status.Terminal() {
			return t.ID, nil
		}
	}
	return "", nil
}

func (s *memStore) MarkRunning(_ context.Context, id string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (t.Status != domain.TaskPending && t.Status != domain.TaskRetrying) {
		return fmt.Errorf("%w: task %s is not runnable", domain.ErrInvalidTransition, id)
	}
	t.Status = domain.TaskRunning
	t.Attempts = attempt
	if t.StartedAt == nil {
		now := time.Now()
		t.StartedAt = &now
	}
	return nil
}

func (s *memStore) MarkRetrying(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskRunning {
		return fmt.Errorf("%w: task %s is not running", domain.ErrInvalidTransition, id)
	}
	t.Status = domain.TaskRetrying
	t.ErrorMessage = errMsg
	return nil
}

func (s *memStore) FinishTask(_ context.Context, id string, status domain.TaskStatus,
	result json.RawMessage, errMsg string, rollbackDeadline *time.Time) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskRunning {
		return fmt.Errorf("%w: task %s is not running", domain.ErrInvalidTransition, id)
	}
	t.Status = status
	t.Result = append([]byte(nil), result...)
	t.ErrorMessage = errMsg
	t.RollbackDeadline = rollbackDeadline
	now := time.Now()
	t.FinishedAt = &now
	return nil
}

func (s *memStore) CancelTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (t.Status != domain.TaskPending && t.Status != domain.TaskRetrying) {
		return fmt.Errorf("%w: task %s is not cancellable here", domain.ErrInvalidTransition, id)
	}
	t.Status = domain.TaskCancelled
	now := time.Now()
	t.FinishedAt = &now
	return nil
}

func (s *memStore) ClaimRollback(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w (id: %s)", domain.ErrTaskNotFound, id)
	}
	now := time.Now()
	if t.Status == domain.TaskCompleted && t.RolledBackAt == nil &&
		t.RollbackDeadline != nil && t.RollbackDeadline.After(now) {
		t.RolledBackAt = &now
		return cloneTask(t), nil
	}
	switch {
	case t.RolledBackAt != nil:
		return nil, fmt.Errorf("%w (id: %s)", domain.ErrAlreadyRolledBack, id)
	case t.Status != domain.TaskCompleted:
		return nil, fmt.Errorf("%w: task %s is %s, not completed", domain.ErrRollbackUnsupported, id, t.Status)
	case t.RollbackDeadline == nil:
		return nil, fmt.Errorf("%w: no rollback window for task %s", domain.ErrRollbackUnsupported, id)
	default:
		return nil, fmt.Errorf("%w (id: %s)", domain.ErrRollbackExpired, id)
	}
}

func (s *memStore) ReleaseRollback(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w (id: %s)", domain.ErrTaskNotFound, id)
	}
	t.RolledBackAt = nil
	return nil
}

func (s *memStore) CreateConfirmation(_ context.Context, c *domain.ConfirmationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmations[c.ID] = cloneConfirmation(c)
	return nil
}

func (s *memStore) GetConfirmationByID(_ context.Context, id string) (*domain.ConfirmationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirmations[id]
	if !ok {
		return nil, fmt.Errorf("%w (id: %s)", domain.ErrConfirmationNotFound, id)
	}
	return cloneConfirmation(c), nil
}

func (s *memStore) UpdateConfirmationStatus(_ context.Context, id string, status domain.ConfirmationStatus,
	reviewerID, comment string) (*domain.ConfirmationRequest, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirmations[id]
	if !ok || c.Status != domain.ConfirmationPending {
		return nil, fmt.Errorf("%w (id: %s)", domain.ErrAlreadyDecided, id)
	}
	c.Status = status
	c.ReviewerID = &reviewerID
	c.Comment = &comment
	c.UpdatedAt = time.Now()
	return cloneConfirmation(c), nil
}

func (s *memStore) CreateTaskFromConfirmation(_ context.Context, t *domain.Task, confirmationID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirmations[confirmationID]
	if !ok {
		return "", false, fmt.Errorf("%w (id: %s)", domain.ErrConfirmationNotFound, confirmationID)
	}
	if c.TaskID != nil {
		return *c.TaskID, false, nil
	}
	if c.Status != domain.ConfirmationApproved {
		return "", false, fmt.Errorf("%w: confirmation %s is %s", domain.ErrInvalidTransition, confirmationID, c.Status)
	}
	// Живая задача с тем же ключом: привязка вместо второго исполнения
	for _, ex := range s.tasks {
		if ex.IdempotencyKey == t.IdempotencyKey && !ex.Status.Terminal() {
			id := ex.ID
			c.TaskID = &id
			c.UpdatedAt = time.Now()
			return id, false, nil
		}
	}
	cp := cloneTask(t)
	s.tasks[cp.ID] = cp
	id := cp.ID
	c.TaskID = &id
	c.UpdatedAt = time.Now()
	return id, true, nil
}

func (s *memStore) FindConfirmations(_ context.Context, status domain.ConfirmationStatus) ([]*domain.ConfirmationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ConfirmationRequest
	for _, c := range s.confirmations {
		if c.Status == status {
			out = append(out, cloneConfirmation(c))
		}
	}
	return out, nil
}

func (s *memStore) ExpireStaleConfirmations(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	ids := make([]string, 0)
	for _, c := range s.confirmations {
		if c.Status == domain.ConfirmationPending && c.ExpiresAt.Before(now) {
			c.Status = domain.ConfirmationExpired
			c.UpdatedAt = now
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

// taskCount — живые и терминальные строки вместе, для проверок "задачи нет вообще".
func (s *memStore) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *memStore) taskByID(id string) *domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	return cloneTask(t)
}

func (s *memStore) taskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (s *memStore) confirmationByID(id string) *domain.ConfirmationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirmations[id]
	if !ok {
		return nil
	}
	return cloneConfirmation(c)
}

// setRollbackDeadline сдвигает окно отката задним числом (для тестов просрочки).
func (s *memStore) setRollbackDeadline(id string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.RollbackDeadline = &deadline
	}
}

// setConfirmationExpiry двигает срок заявки (для тестов ленивого протухания).
func (s *memStore) setConfirmationExpiry(id string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.confirmations[id]; ok {
		c.ExpiresAt = expiresAt
	}
}

// memRecorder — синхронный журнал: порядок записей равен порядку вызовов,
// без фонового воркера, чтобы write-ahead проверялся по индексам напрямую.
type memRecorder struct {
	mu        sync.Mutex
	recs      []audit.Record
	commitErr error
}

func (r *memRecorder) Commit(_ context.Context, rec audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) Observe(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	r.recs = append(r.recs, rec)
}

func (r *memRecorder) snapshot() []audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Record(nil), r.recs...)
}

// indexOf — позиция первой записи с такими kind/status/task_id, -1 если нет.
func (r *memRecorder) indexOf(kind, status, taskID string) int {
	for i, rec := range r.snapshot() {
		if rec.Kind == kind && rec.Status == status && rec.TaskID == taskID {
			return i
		}
	}
	return -1
}

func (r *memRecorder) countKind(kind string) int {
	n := 0
	for _, rec := range r.snapshot() {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

// memHistory — окно диалога в памяти (в проде Redis).
type memHistory struct {
	mu   sync.Mutex
	hist map[string][]domain.HistoryEntry
	refs map[string][]string
}

func newMemHistory() *memHistory {
	return &memHistory{
		hist: make(map[string][]domain.HistoryEntry),
		refs: make(map[string][]string),
	}
}

func (h *memHistory) AppendHistory(_ context.Context, conversationID string, entry domain.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hist[conversationID] = append(h.hist[conversationID], entry)
	return nil
}

func (h *memHistory) History(_ context.Context, conversationID string) ([]domain.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.HistoryEntry(nil), h.hist[conversationID]...), nil
}

func (h *memHistory) AddReference(_ context.Context, conversationID, ref string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs[conversationID] = append(h.refs[conversationID], ref)
	return nil
}

func (h *memHistory) References(_ context.Context, conversationID string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.refs[conversationID]...), nil
}

func (h *memHistory) Clear(_ context.Context, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.hist, conversationID)
	delete(h.refs, conversationID)
	return nil
}

func (h *memHistory) entries(conversationID string) []domain.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.HistoryEntry(nil), h.hist[conversationID]...)
}

type memConvRepo struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation
}

func newMemConvRepo() *memConvRepo {
	return &memConvRepo{convs: make(map[string]*domain.Conversation)}
}

func (r *memConvRepo) EnsureConversation(_ context.Context, c *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.convs[c.ID]; ok {
		ex.LastActivity = time.Now()
		return nil
	}
	cp := *c
	r.convs[c.ID] = &cp
	return nil
}

func (r *memConvRepo) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (r *memConvRepo) MarkReset(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	now := time.Now()
	c.LastResetAt = &now
	c.ResetCount++
	return nil
}

// cannedClassifier отдает заранее заданные интенты по тексту сообщения.
// ID и source_message_id генерируются на каждый вызов, как у настоящего.
type cannedClassifier struct {
	mu     sync.Mutex
	byText map[string][]domain.Intent
}

func newCannedClassifier() *cannedClassifier {
	return &cannedClassifier{byText: make(map[string][]domain.Intent)}
}

func (c *cannedClassifier) set(text string, intents ...domain.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byText[text] = intents
}

func (c *cannedClassifier) Classify(_ context.Context, messageID, text string, _ domain.SessionContext) []domain.Intent {
	c.mu.Lock()
	tpl := c.byText[text]
	c.mu.Unlock()

	if len(tpl) == 0 {
		return []domain.Intent{{
			ID:              uuid.NewString(),
			Type:            domain.IntentUnclassified,
			RawText:         text,
			Parameters:      map[string]string{},
			SourceMessageID: messageID,
			CreatedAt:       time.Now(),
		}}
	}
	out := make([]domain.Intent, len(tpl))
	for i, in := range tpl {
		cp := in.Clone()
		cp.ID = uuid.NewString()
		cp.SourceMessageID = messageID
		if cp.RawText == "" {
			cp.RawText = text
		}
		if cp.Parameters == nil {
			cp.Parameters = map[string]string{}
		}
		cp.CreatedAt = time.Now()
		out[i] = cp
	}
	return out
}

type thresholdStub struct{}

func (thresholdStub) GetAllThresholds(context.Context) ([]domain.ThresholdOverride, error) {
	return nil, nil
}

type prefStub struct {
	prefs map[string]domain.AutomationPreference
}

func (p prefStub) GetPreference(_ context.Context, actorID string) (*domain.AutomationPreference, error) {
	if pref, ok := p.prefs[actorID]; ok {
		cp := pref
		return &cp, nil
	}
	return nil, nil
}

func (p prefStub) GetAllPreferences(context.Context) ([]domain.AutomationPreference, error) {
	out := make([]domain.AutomationPreference, 0, len(p.prefs))
	for _, pref := range p.prefs {
		out = append(out, pref)
	}
	return out, nil
}

// stubExec — управляемый исполнитель: задержка, серия отказов, троттлинг.
type stubExec struct {
	typ      domain.IntentType
	rev      domain.ReversibilityClass
	required []string

	delay     time.Duration
	ignoreCtx bool  // Спать сквозь отмену контекста, имитируя непрерываемый коннектор
	failFirst int32 // Сколько первых попыток падает транзиентной ошибкой
	throttle  time.Duration
	execErr   error
	result    []byte

	calls   atomic.Int32
	started chan struct{} // Закрывается на первом входе в Execute, если задан
}

func (e *stubExec) Type() domain.IntentType { return e.typ }

func (e *stubExec) Reversibility() domain.ReversibilityClass { return e.rev }

func (e *stubExec) Validate(params map[string]string) error {
	for _, p := range e.required {
		if params[p] == "" {
			return fmt.Errorf("%w: %s", domain.ErrMissingParameter, p)
		}
	}
	return nil
}

func (e *stubExec) Preview(params map[string]string) string {
	return fmt.Sprintf("Run %s with %d parameters", e.typ, len(params))
}

func (e *stubExec) Execute(ctx context.Context, _ *domain.Task) ([]byte, error) {
	n := e.calls.Add(1)
	if n == 1 && e.started != nil {
		close(e.started)
	}

	if e.delay > 0 {
		if e.ignoreCtx {
			time.Sleep(e.delay)
		} else {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if e.execErr != nil {
		return nil, e.execErr
	}
	if e.throttle > 0 && n == 1 {
		return nil, &connectors.ThrottleError{RetryAfter: e.throttle, Cause: errors.New("rate limited by upstream")}
	}
	if n <= e.failFirst {
		return nil, fmt.Errorf("transient connector failure on attempt %d", n)
	}
	if e.result != nil {
		return append([]byte(nil), e.result...), nil
	}
	return []byte(`{"ok":true}`), nil
}

// stubCompExec добавляет компенсацию поверх stubExec.
type stubCompExec struct {
	stubExec
	compCalls atomic.Int32
	compErr   error
	compOut   []byte
}

func (e *stubCompExec) Compensate(_ context.Context, _ *domain.Task) ([]byte, error) {
	e.compCalls.Add(1)
	if e.compErr != nil {
		return nil, e.compErr
	}
	if e.compOut != nil {
		return append([]byte(nil), e.compOut...), nil
	}
	return []byte(`{"status":"reverted"}`), nil
}
