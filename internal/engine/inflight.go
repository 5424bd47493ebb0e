package engine

import (
	"context"
	"sync"
)

// Flight — одно живое исполнение задачи. Дубликаты с тем же ключом
// идемпотентности не порождают второго исполнения, а присоединяются к этому
// и ждут его исход через done.
type Flight struct {
	TaskID string
	Key    string

	cancel     context.CancelFunc
	done       chan struct{}
	report     TaskReport // Заполняется до close(done)
	suppressed bool       // Под mu трекера: результат получен, но выбрасывается
}

// Wait блокируется до исхода исполнения или отмены контекста ожидающего.
func (f *Flight) Wait(ctx context.Context) (TaskReport, error) {
	select {
	case <-f.done:
		return f.report, nil
	case <-ctx.Done():
		return TaskReport{}, ctx.Err()
	}
}

// Tracker — потокобезопасный реестр живых исполнений. Два назначения:
// single-flight по ключу идемпотентности (ровно одно исполнение на смысл
// просьбы) и точка входа для отмены: по task_id можно оборвать контекст
// исполнителя и пометить исход подавленным.
type Tracker struct {
	mu     sync.RWMutex
	byKey  map[string]*Flight
	byTask map[string]*Flight
}

func NewTracker() *Tracker {
	return &Tracker{
		byKey:  make(map[string]*Flight),
		byTask: make(map[string]*Flight),
	}
}

// Begin регистрирует исполнение. Если ключ уже в полете, возвращает чужой
// Flight и false: вызывающий коалесцирует дубликат вместо запуска.
func (t *Tracker) Begin(key, taskID string, cancel context.CancelFunc) (*Flight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byKey[key]; ok {
		return existing, false
	}

	f := &Flight{
		TaskID: taskID,
		Key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.byKey[key] = f
	t.byTask[taskID] = f
	return f, true
}

// Join возвращает живое исполнение по ключу идемпотентности, если оно есть.
func (t *Tracker) Join(key string) *Flight {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byKey[key]
}

// Finish фиксирует исход и будит всех ожидающих. Запись снимается с учета:
// следующая такая же просьба породит новое исполнение.
func (t *Tracker) Finish(f *Flight, report TaskReport) {
	t.mu.Lock()
	f.report = report
	close(f.done)
	delete(t.byKey, f.Key)
	delete(t.byTask, f.TaskID)
	t.mu.Unlock()
}

// Cancel обрывает контекст исполнителя и помечает исход подавленным.
// Best-effort: если исполнитель не умеет прерываться, его результат все равно
// придет, но будет выброшен без записи в сессию и журнал.
func (t *Tracker) Cancel(taskID string) bool {
	t.mu.Lock()
	f, ok := t.byTask[taskID]
	if ok {
		f.suppressed = true
	}
	t.mu.Unlock()

	if ok {
		f.cancel()
	}
	return ok
}

// Suppressed — был ли исход задачи помечен к подавлению.
func (t *Tracker) Suppressed(taskID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.byTask[taskID]
	return ok && f.suppressed
}

// InFlight — сколько исполнений живо прямо сейчас.
func (t *Tracker) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byKey)
}
