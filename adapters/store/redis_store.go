package store

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/edupass/ports"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of the ChallengeStore interface
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) ports.ChallengeStore {
	return &RedisStore{
		client: client,
		prefix: "edupass:challenge:",
	}
}

// ConsumeChallenge marks a nonce as used in Redis. SETNX makes the check and
// the write one step, so two instances cannot both accept the same nonce.
func (s *RedisStore) ConsumeChallenge(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return ok, nil
}
