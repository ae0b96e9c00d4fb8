package session

import (
	"context"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/repobox/runner/internal/common/errors"
	"github.com/repobox/runner/internal/rediskeys"
)

// RedisStore is the Redis-backed session store.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.rdb.HGetAll(ctx, rediskeys.WorkSessionKey(sessionID)).Result()
	if err != nil {
		return nil, apperrors.Internal("failed to read session record", err)
	}
	if len(data) == 0 {
		return nil, apperrors.NotFound("session", sessionID)
	}
	sess, err := ParseSession(data)
	if err != nil {
		return nil, apperrors.Internal("malformed session record", err)
	}
	return sess, nil
}

// UpdateStatus implements Store.
func (s *RedisStore) UpdateStatus(ctx context.Context, sessionID string, status Status, patch map[string]interface{}) error {
	fields := map[string]interface{}{
		"status":           string(status),
		"last_activity_at": nowMillis(),
	}
	for k, v := range patch {
		fields[k] = v
	}
	if err := s.rdb.HSet(ctx, rediskeys.WorkSessionKey(sessionID), fields).Err(); err != nil {
		return apperrors.Internal("failed to update session record", err)
	}
	return nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, sessionID string, field string, delta int64) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, rediskeys.WorkSessionKey(sessionID), field, delta).Result()
	if err != nil {
		return 0, apperrors.Internal("failed to increment session field", err)
	}
	return n, nil
}
