package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"github.com/xela07ax/guestgate-engine/internal/infra"
)

// RedisStore реализует Store поверх Redis. Рядом со значением ведем
// set-индекс ключей namespace'а, чтобы Keys не ходил через SCAN.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, infra.StoreKey(ns, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, &domain.PersistenceError{Op: "store.get", Err: err}
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, ns, key string, value []byte) error {
	// Значение и индекс пишем одним pipeline, чтобы Keys не видел полузаписи
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, infra.StoreKey(ns, key), value, 0)
	pipe.SAdd(ctx, infra.StoreIndexKey(ns), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return &domain.PersistenceError{Op: "store.set", Err: err}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, ns, key string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, infra.StoreKey(ns, key))
	pipe.SRem(ctx, infra.StoreIndexKey(ns), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return &domain.PersistenceError{Op: "store.delete", Err: err}
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, ns string) ([]string, error) {
	keys, err := s.rdb.SMembers(ctx, infra.StoreIndexKey(ns)).Result()
	if err != nil {
		return nil, &domain.PersistenceError{Op: "store.keys", Err: err}
	}
	return keys, nil
}
