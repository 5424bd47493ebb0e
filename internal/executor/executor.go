package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

// Provider — внешние системы, через которые исполнители производят эффекты.
// В проде сюда приходит обертка надежности поверх реального коннектора.
type Provider interface {
	Call(ctx context.Context, capID string, payload []byte) ([]byte, error)
}

// Executor — типизированный контракт исполнителя задач одного типа интента.
type Executor interface {
	// Type — какой интент обслуживает исполнитель (ключ в реестре).
	Type() domain.IntentType
	// Reversibility — класс обратимости эффектов. Фиксируется при регистрации
	// и определяет жесткий пол шлюза и право на откат.
	Reversibility() domain.ReversibilityClass
	// Validate проверяет параметры до создания задачи. Ошибка с
	// ErrMissingParameter превращается шлюзом в уточняющий вопрос.
	Validate(params map[string]string) error
	// Preview — человекочитаемое описание будущего эффекта для подтверждения.
	Preview(params map[string]string) string
	// Execute производит эффект. Результат — JSON для журнала и ответа.
	Execute(ctx context.Context, task *domain.Task) ([]byte, error)
}

// Compensator — опциональная способность откатить выполненную задачу.
// Необратимые исполнители этот интерфейс не реализуют: отсутствие метода
// и есть запрет отката на уровне типов, никакой проверки флагов в рантайме.
type Compensator interface {
	Compensate(ctx context.Context, task *domain.Task) ([]byte, error)
}

// Registry — реестр исполнителей. Маршрутизация по мапе типов, без рефлексии.
type Registry struct {
	mu    sync.RWMutex
	execs map[domain.IntentType]Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: make(map[domain.IntentType]Executor)}
}

// Register добавляет исполнителя. Повторная регистрация типа — ошибка
// конфигурации, о ней лучше узнать на старте, а не в бою.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.execs[e.Type()]; dup {
		return fmt.Errorf("executor for type %q already registered", e.Type())
	}
	r.execs[e.Type()] = e
	return nil
}

// Lookup возвращает исполнителя для типа интента.
func (r *Registry) Lookup(t domain.IntentType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoExecutor, t)
	}
	return e, nil
}

// Types — отсортированный список обслуживаемых типов (для health и логов).
func (r *Registry) Types() []domain.IntentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.IntentType, 0, len(r.execs))
	for t := range r.execs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
