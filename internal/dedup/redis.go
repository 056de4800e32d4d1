package dedup

import (
	"context"
	"time"

	"github.com/oriys/inboxrt/internal/cache"
)

// RedisStore implements Store on top of a shared cache.Cache (normally a
// RedisCache), reusing its SetNX for the atomic fresh/duplicate check.
type RedisStore struct {
	c cache.Cache
}

// NewRedisStore wraps c as a dedup store. c is typically an
// *cache.RedisCache constructed with a dedicated key prefix so dedup
// keys don't collide with other cached data.
func NewRedisStore(c cache.Cache) *RedisStore {
	return &RedisStore{c: c}
}

func (s *RedisStore) TryMark(ctx context.Context, key string, ttl time.Duration) (Result, error) {
	fresh, err := s.c.SetNX(ctx, key, []byte{1}, ttl)
	if err != nil {
		return Fresh, err
	}
	if fresh {
		return Fresh, nil
	}
	return Duplicate, nil
}

// Purge is a no-op: Redis expires dedup keys lazily via TTL.
func (s *RedisStore) Purge(_ context.Context, _ time.Time) error {
	return nil
}

func (s *RedisStore) Close() error {
	return s.c.Close()
}
