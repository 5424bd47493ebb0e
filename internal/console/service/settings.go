package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
)

// SettingsRepository описывает требования сервиса к хранилищу настроек шлюза.
type SettingsRepository interface {
	GetAllThresholds(ctx context.Context) ([]domain.ThresholdOverride, error)
	GetThreshold(ctx context.Context, taskType domain.IntentType) (*domain.ThresholdOverride, error)
	UpsertThreshold(ctx context.Context, o *domain.ThresholdOverride) error
	DeleteThreshold(ctx context.Context, taskType domain.IntentType) error

	GetPreference(ctx context.Context, actorID string) (*domain.AutomationPreference, error)
	GetAllPreferences(ctx context.Context) ([]domain.AutomationPreference, error)
	UpsertPreference(ctx context.Context, p *domain.AutomationPreference) error
}

// SettingsService правит пороги шлюза и разрешения автоматизации.
// Каждая запись в базу сопровождается сигналом инвалидации: L1-кэши на
// инстансах движка перечитывают настройки, не дожидаясь рестарта.
type SettingsService struct {
	repo   SettingsRepository
	rdb    *redis.Client
	logger *zap.Logger
}

func NewSettingsService(repo SettingsRepository, rdb *redis.Client, logger *zap.Logger) *SettingsService {
	return &SettingsService{
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("settings-service"),
	}
}

func (s *SettingsService) GetThresholds(ctx context.Context) ([]domain.ThresholdOverride, error) {
	list, err := s.repo.GetAllThresholds(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		return []domain.ThresholdOverride{}, nil
	}
	return list, nil
}

func (s *SettingsService) GetThreshold(ctx context.Context, taskType domain.IntentType) (*domain.ThresholdOverride, error) {
	return s.repo.GetThreshold(ctx, taskType)
}

// UpsertThreshold сохраняет переопределение порогов и уведомляет движки.
// Немонотонный набор отвергается: дыра между полосами ломает шлюз.
func (s *SettingsService) UpsertThreshold(ctx context.Context, o *domain.ThresholdOverride) error {
	if !o.Thresholds.Valid() {
		return fmt.Errorf("%w: thresholds must satisfy clarify <= confirm <= auto within [0..1]", domain.ErrInvalidThresholds)
	}
	if err := s.repo.UpsertThreshold(ctx, o); err != nil {
		return err
	}
	s.notifyThresholdUpdate(ctx, o.TaskType)
	return nil
}

func (s *SettingsService) DeleteThreshold(ctx context.Context, taskType domain.IntentType) error {
	if err := s.repo.DeleteThreshold(ctx, taskType); err != nil {
		return err
	}
	s.notifyThresholdUpdate(ctx, taskType)
	return nil
}

func (s *SettingsService) GetPreferences(ctx context.Context) ([]domain.AutomationPreference, error) {
	list, err := s.repo.GetAllPreferences(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		return []domain.AutomationPreference{}, nil
	}
	return list, nil
}

func (s *SettingsService) GetPreference(ctx context.Context, actorID string) (*domain.AutomationPreference, error) {
	return s.repo.GetPreference(ctx, actorID)
}

// UpsertPreference сохраняет разрешения автоматизации пользователя.
// Разрешение расширяет только верхнюю полосу confirm: необратимые действия
// и полосу сомнений оно не задевает, это зашито в шлюзе.
func (s *SettingsService) UpsertPreference(ctx context.Context, p *domain.AutomationPreference) error {
	if err := s.repo.UpsertPreference(ctx, p); err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanPrefsUpdate, p.ActorID).Err(); err != nil {
		s.logger.Warn("preference invalidation signal failed",
			zap.String("actor_id", p.ActorID), zap.Error(err))
	}
	return nil
}

func (s *SettingsService) notifyThresholdUpdate(ctx context.Context, taskType domain.IntentType) {
	if err := s.rdb.Publish(ctx, infra.RedisChanThresholdUpdate, string(taskType)).Err(); err != nil {
		s.logger.Warn("threshold invalidation signal failed",
			zap.String("task_type", string(taskType)), zap.Error(err))
	}
}
