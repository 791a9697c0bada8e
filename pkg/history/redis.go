package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisListKey     = "rtcall:calls"
	redisRecordKey   = "rtcall:call:"
	defaultRedisKeep = 1000
)

// RedisStore история вызовов в Redis: JSON запись на вызов и список
// идентификаторов, новые первыми. Список обрезается до keep записей.
type RedisStore struct {
	client *redis.Client
	keep   int64
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore создаёт хранилище поверх готового клиента.
// keep <= 0 означает значение по умолчанию.
func NewRedisStore(client *redis.Client, keep int) *RedisStore {
	if keep <= 0 {
		keep = defaultRedisKeep
	}
	return &RedisStore{client: client, keep: int64(keep)}
}

func recordKey(callID string) string {
	return redisRecordKey + callID
}

func (s *RedisStore) Save(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("кодирование вызова %s: %w", r.CallID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(r.CallID), data, 0)
	pipe.LRem(ctx, redisListKey, 0, r.CallID)
	pipe.LPush(ctx, redisListKey, r.CallID)
	pipe.LTrim(ctx, redisListKey, 0, s.keep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("сохранение вызова %s: %w", r.CallID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.LRange(ctx, redisListKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("чтение истории: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("чтение истории: %w", err)
	}

	out := make([]Record, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Запись удалена, а идентификатор остался в списке
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("разбор записи истории: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
