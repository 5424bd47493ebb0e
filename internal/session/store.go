package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
)

// RedisStore держит скользящее окно истории и активные ссылки беседы в Redis.
// Окно ограничено по длине (LTRIM) и по времени жизни (TTL неактивной сессии).
type RedisStore struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisStore(rdb *redis.Client, limit int, ttl time.Duration) *RedisStore {
	if limit <= 0 {
		limit = 50
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, limit: limit, ttl: ttl}
}

func (s *RedisStore) AppendHistory(ctx context.Context, conversationID string, entry domain.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("session: marshal entry: %w", err)
	}

	key := infra.SessionHistoryKey(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.limit-1))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: append history: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, conversationID string) ([]domain.HistoryEntry, error) {
	vals, err := s.rdb.LRange(ctx, infra.SessionHistoryKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: read history: %w", err)
	}

	// LPUSH кладет свежие в голову — на выходе хронологический порядок
	entries := make([]domain.HistoryEntry, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		var e domain.HistoryEntry
		if err := json.Unmarshal([]byte(vals[i]), &e); err != nil {
			continue // Битую запись пропускаем, окно важнее отдельной реплики
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) AddReference(ctx context.Context, conversationID, ref string) error {
	key := infra.SessionRefsKey(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, ref)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: add reference: %w", err)
	}
	return nil
}

func (s *RedisStore) References(ctx context.Context, conversationID string) ([]string, error) {
	refs, err := s.rdb.SMembers(ctx, infra.SessionRefsKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: read references: %w", err)
	}
	sort.Strings(refs) // SMEMBERS не упорядочен, снимок должен быть стабильным
	return refs, nil
}

// Clear стирает окно и ссылки беседы. Запись беседы в Postgres не трогается.
func (s *RedisStore) Clear(ctx context.Context, conversationID string) error {
	err := s.rdb.Del(ctx,
		infra.SessionHistoryKey(conversationID),
		infra.SessionRefsKey(conversationID),
	).Err()
	if err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}
