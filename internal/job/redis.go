package job

import (
	"context"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/repobox/runner/internal/common/errors"
	"github.com/repobox/runner/internal/rediskeys"
)

// RedisStore is the Redis-backed job store.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.rdb.HGetAll(ctx, rediskeys.JobKey(jobID)).Result()
	if err != nil {
		return nil, apperrors.Internal("failed to read job record", err)
	}
	if len(data) == 0 {
		return nil, apperrors.NotFound("job", jobID)
	}
	j, err := ParseJob(data)
	if err != nil {
		return nil, apperrors.Internal("malformed job record", err)
	}
	return j, nil
}

// UpdateStatus implements Store.
func (s *RedisStore) UpdateStatus(ctx context.Context, jobID string, status Status, patch map[string]interface{}) error {
	fields := map[string]interface{}{"status": string(status)}
	for k, v := range patch {
		fields[k] = v
	}
	if err := s.rdb.HSet(ctx, rediskeys.JobKey(jobID), fields).Err(); err != nil {
		return apperrors.Internal("failed to update job record", err)
	}
	return nil
}
