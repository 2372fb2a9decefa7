package session

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"rekonkas/backend/internal/domain"
)

const keyPrefix = "rekonkas:session:"

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStore{client: client}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Set(ctx context.Context, token string, principal domain.Principal, ttl time.Duration) error {
	payload, err := json.Marshal(principal)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+token, payload, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, token string) (*domain.Principal, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+token).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var principal domain.Principal
	if err := json.Unmarshal([]byte(val), &principal); err != nil {
		return nil, false, err
	}
	return &principal, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, keyPrefix+token).Err()
}
