package service

import (
	"context"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

// DashboardRepository описывает аналитические запросы консоли.
type DashboardRepository interface {
	GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error)
	GetUnifiedDashboard(ctx context.Context) (*domain.UnifiedDashboard, error)
}

type DashboardService struct {
	repo DashboardRepository
}

func NewDashboardService(repo DashboardRepository) *DashboardService {
	return &DashboardService{repo: repo}
}

func (s *DashboardService) GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	// Здесь можно добавить кэширование в Redis на 1 минуту,
	// чтобы не нагружать Postgres тяжелыми аналитическими запросами.
	return s.repo.GetGlobalStats(ctx)
}

func (s *DashboardService) GetOverview(ctx context.Context) (*domain.UnifiedDashboard, error) {
	return s.repo.GetUnifiedDashboard(ctx)
}
