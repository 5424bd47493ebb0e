package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"go.uber.org/zap"
)

// HistoryStore — скользящее окно и активные ссылки (Redis в проде).
type HistoryStore interface {
	AppendHistory(ctx context.Context, conversationID string, entry domain.HistoryEntry) error
	History(ctx context.Context, conversationID string) ([]domain.HistoryEntry, error)
	AddReference(ctx context.Context, conversationID, ref string) error
	References(ctx context.Context, conversationID string) ([]string, error)
	Clear(ctx context.Context, conversationID string) error
}

// ConversationRepo — постоянные записи бесед (Postgres в проде).
type ConversationRepo interface {
	EnsureConversation(ctx context.Context, c *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	MarkReset(ctx context.Context, id string) error
}

const lockStripes = 64

// Manager владеет контекстом бесед: снимки для конвейера, сериализованные
// коммиты ходов, сброс окна. Исполнители работают со снимком; писать
// в историю мимо менеджера нельзя.
type Manager struct {
	store  HistoryStore
	repo   ConversationRepo
	logger *zap.Logger
	locks  [lockStripes]sync.Mutex // Страйпы сериализации коммитов по беседам
}

func NewManager(store HistoryStore, repo ConversationRepo, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		repo:   repo,
		logger: logger.With(zap.String("mod", "session")),
	}
}

func (m *Manager) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &m.locks[h.Sum32()%lockStripes]
}

// Ensure регистрирует беседу при входящем сообщении. Идемпотентен.
func (m *Manager) Ensure(ctx context.Context, conversationID, actorID string) error {
	return m.repo.EnsureConversation(ctx, &domain.Conversation{
		ID:      conversationID,
		ActorID: actorID,
	})
}

// Snapshot собирает иммутабельный снимок контекста беседы. Настройки
// автоматизации подкладывает оркестратор: кэш настроек живет у него.
func (m *Manager) Snapshot(ctx context.Context, conversationID, actorID string) (domain.SessionContext, error) {
	history, err := m.store.History(ctx, conversationID)
	if err != nil {
		return domain.SessionContext{}, err
	}
	refs, err := m.store.References(ctx, conversationID)
	if err != nil {
		return domain.SessionContext{}, err
	}

	sc := domain.SessionContext{
		ConversationID:   conversationID,
		ActorID:          actorID,
		History:          history,
		ActiveReferences: refs,
		CapturedAt:       time.Now(),
	}
	if conv, err := m.repo.GetConversation(ctx, conversationID); err == nil && conv != nil && conv.LastResetAt != nil {
		sc.LastResetAt = *conv.LastResetAt
	}
	return sc.Clone(), nil
}

// CommitTurn фиксирует реплики хода строго по одной беседе за раз:
// два конкурентных интента одного сообщения не гоняются на истории.
// Зовет только оркестратор и только когда исход задач известен.
func (m *Manager) CommitTurn(ctx context.Context, conversationID string, entries []domain.HistoryEntry, refs []string) error {
	mu := m.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	for _, e := range entries {
		if err := m.store.AppendHistory(ctx, conversationID, e); err != nil {
			return err
		}
	}
	for _, ref := range refs {
		if err := m.store.AddReference(ctx, conversationID, ref); err != nil {
			return err
		}
	}
	return nil
}

// Reset обнуляет окно ("новая тема"), не трогая запись беседы и журнал.
func (m *Manager) Reset(ctx context.Context, conversationID string) error {
	mu := m.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.store.Clear(ctx, conversationID); err != nil {
		return err
	}
	if err := m.repo.MarkReset(ctx, conversationID); err != nil {
		return err
	}
	m.logger.Info("conversation reset", zap.String("conversation_id", conversationID))
	return nil
}
