package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
)

// TaskRepository описывает доступ консоли к задачам.
type TaskRepository interface {
	GetTaskByID(ctx context.Context, id string) (*domain.Task, error)
	FindTasksByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Task, error)
	CancelTask(ctx context.Context, id string) error
}

// AuditWriter пишет след операторских действий. Консоль живет без буферного
// журнала движка: объемы штучные, пишем в базу синхронно.
type AuditWriter interface {
	WriteBatch(ctx context.Context, records []audit.Record) error
}

// TaskService — операторский обзор задач. Отмена из консоли работает в два
// хода: строка в очереди снимается напрямую, а бегущее исполнение давит
// сигнал, который ловит держащий задачу инстанс движка.
type TaskService struct {
	repo   TaskRepository
	trail  AuditWriter
	rdb    *redis.Client
	logger *zap.Logger
}

func NewTaskService(repo TaskRepository, trail AuditWriter, rdb *redis.Client, logger *zap.Logger) *TaskService {
	return &TaskService{
		repo:   repo,
		trail:  trail,
		rdb:    rdb,
		logger: logger.Named("task-service"),
	}
}

func (s *TaskService) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.repo.GetTaskByID(ctx, id)
}

func (s *TaskService) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	tasks, err := s.repo.FindTasksByConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*domain.Task{}, nil
	}
	return tasks, nil
}

// RequestCancel просит снять задачу. Терминальная задача не трогается: исход
// состоялся и остается в силе, консоль получает его вместе с отказом.
func (s *TaskService) RequestCancel(ctx context.Context, taskID, requestedBy string) (*domain.Task, error) {
	t, err := s.repo.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, domain.ErrInvalidTransition
	}

	// Очередь чистится напрямую; для бегущей задачи UPDATE не пройдет,
	// и снятие доделает сигнал держащему инстансу
	if err := s.repo.CancelTask(ctx, taskID); err != nil {
		s.logger.Debug("task not cancellable from queue, signalling holder",
			zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanTaskCancel, taskID).Err(); err != nil {
		s.logger.Warn("cancel signal publish failed",
			zap.String("task_id", taskID), zap.Error(err))
	}

	// След отмены пишет ее инициатор: подавленный исход на движке записи не дает
	rec := audit.Record{
		ID:             uuid.NewString(),
		ConversationID: t.ConversationID,
		ActorID:        requestedBy,
		TaskID:         taskID,
		IntentID:       t.IntentID,
		Kind:           audit.KindExecution,
		TaskType:       string(t.Type),
		Status:         audit.StatusCancelled,
		Reasoning:      "cancellation requested from console",
	}
	if err := s.trail.WriteBatch(ctx, []audit.Record{rec}); err != nil {
		s.logger.Error("cancellation trace write failed",
			zap.String("task_id", taskID), zap.Error(err))
	}

	s.logger.Info("task cancellation requested from console",
		zap.String("task_id", taskID),
		zap.String("requested_by", requestedBy))

	fresh, gErr := s.repo.GetTaskByID(ctx, taskID)
	if gErr != nil {
		return t, nil
	}
	return fresh, nil
}
