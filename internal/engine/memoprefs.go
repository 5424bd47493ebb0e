package engine

import (
	"context"
	"sync"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"go.uber.org/zap"
)

// PreferenceSource — откуда кэш тянет настройки автоматизации (Postgres в проде).
type PreferenceSource interface {
	GetPreference(ctx context.Context, actorID string) (*domain.AutomationPreference, error)
	GetAllPreferences(ctx context.Context) ([]domain.AutomationPreference, error)
}

// MemoPrefs — кэш пользовательских настроек автоматизации в Hot Path шлюза.
// Промах лениво догружается из базы; правка через Console инвалидирует запись
// сигналом из Pub/Sub. Пустая настройка кэшируется тоже: большинство акторов
// ничего не настраивали, и долбить базу на каждом их сообщении незачем.
type MemoPrefs struct {
	mu     sync.RWMutex
	cache  map[string]domain.AutomationPreference
	repo   PreferenceSource
	logger *zap.Logger
}

func NewMemoPrefs(repo PreferenceSource, logger *zap.Logger) *MemoPrefs {
	return &MemoPrefs{
		cache:  make(map[string]domain.AutomationPreference),
		repo:   repo,
		logger: logger.With(zap.String("mod", "prefs_cache")),
	}
}

// Warm выполняет холодную загрузку всех настроек при старте.
func (m *MemoPrefs) Warm(ctx context.Context) error {
	all, err := m.repo.GetAllPreferences(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]domain.AutomationPreference, len(all))
	for _, p := range all {
		fresh[p.ActorID] = p
	}

	m.mu.Lock()
	m.cache = fresh
	m.mu.Unlock()

	m.logger.Info("automation preferences warmed", zap.Int("count", len(fresh)))
	return nil
}

// For возвращает настройки актора. Ошибка базы на промахе деградирует
// до пустой настройки: шлюз без настроек консервативнее, а не опаснее.
func (m *MemoPrefs) For(ctx context.Context, actorID string) domain.AutomationPreference {
	m.mu.RLock()
	p, ok := m.cache[actorID]
	m.mu.RUnlock()
	if ok {
		return p
	}

	loaded, err := m.repo.GetPreference(ctx, actorID)
	if err != nil {
		m.logger.Warn("preference lookup failed, using defaults",
			zap.String("actor_id", actorID), zap.Error(err))
		return domain.AutomationPreference{ActorID: actorID}
	}
	if loaded == nil {
		loaded = &domain.AutomationPreference{ActorID: actorID}
	}

	m.mu.Lock()
	m.cache[actorID] = *loaded
	m.mu.Unlock()
	return *loaded
}

// Invalidate выбрасывает запись актора: следующий запрос перечитает базу.
func (m *MemoPrefs) Invalidate(actorID string) {
	m.mu.Lock()
	delete(m.cache, actorID)
	m.mu.Unlock()
}
