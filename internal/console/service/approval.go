package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
)

// ConfirmationRepository описывает требования сервиса к хранилищу заявок HITL.
type ConfirmationRepository interface {
	GetConfirmationByID(ctx context.Context, id string) (*domain.ConfirmationRequest, error)
	FindConfirmations(ctx context.Context, status domain.ConfirmationStatus) ([]*domain.ConfirmationRequest, error)
	UpdateConfirmationStatus(ctx context.Context, id string, status domain.ConfirmationStatus, reviewerID, comment string) (*domain.ConfirmationRequest, error)
}

// ApprovalService обслуживает очередь подтверждений. Консоль фиксирует решение
// в базе и будит движок сигналом; материализацию задачи по одобрению делает
// инстанс движка, у консоли нет ни исполнителей, ни диспетчера.
type ApprovalService struct {
	repo   ConfirmationRepository
	rdb    *redis.Client
	logger *zap.Logger
}

func NewApprovalService(repo ConfirmationRepository, rdb *redis.Client, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("approval-service"),
	}
}

func (s *ApprovalService) GetApproval(ctx context.Context, id string) (*domain.ConfirmationRequest, error) {
	return s.repo.GetConfirmationByID(ctx, id)
}

func (s *ApprovalService) GetApprovals(ctx context.Context, status string) ([]*domain.ConfirmationRequest, error) {
	// Приводим к верхнему регистру, так как в константах PENDING/APPROVED
	status = strings.ToUpper(status)

	list, err := s.repo.FindConfirmations(ctx, domain.ConfirmationStatus(status))
	if err != nil {
		return nil, err
	}
	// Фронтенд должен получить пустой массив [], а не null
	if list == nil {
		return []*domain.ConfirmationRequest{}, nil
	}
	return list, nil
}

// DecideApproval фиксирует решение оператора по заявке. ReviewerID пишется в
// строку заявки и попадет в журнал: за каждым "да" стоит конкретный человек.
func (s *ApprovalService) DecideApproval(ctx context.Context, confirmationID string, approved bool, reviewerID, comment string) error {
	status := domain.ConfirmationRejected
	signal := "rejected"
	if approved {
		status = domain.ConfirmationApproved
		signal = "approved"
	}

	// 1. Атомарно обновляем БД. UPDATE проходит только из PENDING: повторное
	// решение и решение по протухшей заявке отлетают здесь.
	if _, err := s.repo.UpdateConfirmationStatus(ctx, confirmationID, status, reviewerID, comment); err != nil {
		s.logger.Error("failed to persist approval decision",
			zap.String("confirmation_id", confirmationID),
			zap.String("reviewer_id", reviewerID),
			zap.Error(err))
		return err
	}

	// 2. Будим движок. Если Redis недоступен, решение не теряется: фоновая
	// досинхронизация движка подберет одобренную заявку по базе.
	payload := fmt.Sprintf("%s:%s", confirmationID, signal)
	if err := s.rdb.Publish(ctx, infra.RedisChanConfirmDecisions, payload).Err(); err != nil {
		s.logger.Warn("decision saved but wake-up signal not delivered",
			zap.String("confirmation_id", confirmationID),
			zap.Error(err))
	} else {
		s.logger.Info("HITL decision processed",
			zap.String("confirmation_id", confirmationID),
			zap.String("reviewer_id", reviewerID),
			zap.String("result", string(status)))
	}

	return nil
}
