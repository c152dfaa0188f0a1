package payment

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStore caches the provider's bearer token between requests and
// across replicas.
type TokenStore interface {
	Get(ctx context.Context) (string, error) // "" on miss
	Set(ctx context.Context, token string, ttl time.Duration) error
	Delete(ctx context.Context) error
}

type RedisTokenStore struct {
	RDB *redis.Client
	Key string
}

func (s *RedisTokenStore) Get(ctx context.Context) (string, error) {
	v, err := s.RDB.Get(ctx, s.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisTokenStore) Set(ctx context.Context, token string, ttl time.Duration) error {
	return s.RDB.Set(ctx, s.Key, token, ttl).Err()
}

func (s *RedisTokenStore) Delete(ctx context.Context) error {
	return s.RDB.Del(ctx, s.Key).Err()
}
