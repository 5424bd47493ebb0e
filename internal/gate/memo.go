package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"go.uber.org/zap"
)

// ThresholdRepository — потребительская сторона хранилища переопределений.
type ThresholdRepository interface {
	GetAllThresholds(ctx context.Context) ([]domain.ThresholdOverride, error)
}

/*
MemoThresholds — потокобезопасный in-memory кэш порогов по типам задач.

Горячий путь шлюза работает только с памятью и не знает про Postgres. База
нужна лишь Refresh: его дергают при старте (холодная загрузка) и по сигналу
из Redis Pub/Sub, когда оператор правит калибровку через Console. Кривые
переопределения (нарушенная монотонность) в кэш не попадают.
*/
type MemoThresholds struct {
	mu        sync.RWMutex
	overrides map[domain.IntentType]domain.ThresholdSet

	defaults domain.ThresholdSet
	repo     ThresholdRepository
	logger   *zap.Logger
}

func NewMemoThresholds(defaults domain.ThresholdSet, repo ThresholdRepository, logger *zap.Logger) *MemoThresholds {
	if !defaults.Valid() {
		defaults = domain.DefaultThresholds()
	}
	return &MemoThresholds{
		overrides: make(map[domain.IntentType]domain.ThresholdSet),
		defaults:  defaults,
		repo:      repo,
		logger:    logger.With(zap.String("mod", "gate_thresholds")),
	}
}

// For возвращает действующие пороги для типа задачи: точное совпадение,
// затем wildcard '*', затем конфигурационные дефолты.
func (m *MemoThresholds) For(taskType domain.IntentType) domain.ThresholdSet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ts, ok := m.overrides[taskType]; ok {
		return ts
	}
	if ts, ok := m.overrides[domain.TypeWildcard]; ok {
		return ts
	}
	return m.defaults
}

// Refresh выполняет холодную загрузку переопределений из PostgreSQL в память.
func (m *MemoThresholds) Refresh(ctx context.Context) error {
	rows, err := m.repo.GetAllThresholds(ctx)
	if err != nil {
		return fmt.Errorf("gate: refresh thresholds: %w", err)
	}

	next := make(map[domain.IntentType]domain.ThresholdSet, len(rows))
	for _, o := range rows {
		if !o.Thresholds.Valid() {
			m.logger.Warn("skipping non-monotonic threshold override",
				zap.String("task_type", string(o.TaskType)))
			continue
		}
		next[o.TaskType] = o.Thresholds
	}

	m.mu.Lock()
	m.overrides = next
	m.mu.Unlock()

	m.logger.Info("threshold cache refreshed", zap.Int("count", len(next)))
	return nil
}
