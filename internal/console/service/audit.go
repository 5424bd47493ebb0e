package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
)

// AuditLogProvider описывает контракт для чтения данных журнала.
// Мы используем структуру audit.Record, чтобы сохранить единую модель данных.
type AuditLogProvider interface {
	FetchRecords(ctx context.Context, conversationID, taskID string) ([]audit.Record, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// FetchRecords запрашивает след беседы или задачи. Логика фильтрации
// (пустые строки или конкретные ID) инкапсулирована в репозитории.
func (s *AuditService) FetchRecords(ctx context.Context, conversationID, taskID string) ([]audit.Record, error) {
	records, err := s.repo.FetchRecords(ctx, conversationID, taskID)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch records: %w", err)
	}
	if records == nil {
		return []audit.Record{}, nil
	}
	return records, nil
}
