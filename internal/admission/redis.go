package admission

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/repobox/runner/internal/common/logger"
	"github.com/repobox/runner/internal/rediskeys"
)

// RedisController counts in-flight prompts per user in a shared key so the
// cap holds across a fleet of runners.
type RedisController struct {
	rdb    *redis.Client
	logger *logger.Logger
}

// NewRedisController creates a RedisController.
func NewRedisController(rdb *redis.Client, log *logger.Logger) *RedisController {
	if log == nil {
		log = logger.Default()
	}
	return &RedisController{
		rdb:    rdb,
		logger: log.WithFields(zap.String("component", "admission")),
	}
}

// TryAcquire implements Controller.
func (c *RedisController) TryAcquire(ctx context.Context, userID string, limit int) (bool, error) {
	key := rediskeys.UserRunningKey(userID)

	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n > int64(limit) {
		if err := c.rdb.Decr(ctx, key).Err(); err != nil {
			c.logger.Error("failed to roll back admission counter",
				zap.String("user_id", userID), zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}

// Release implements Controller. A counter that went missing (expired,
// flushed) can go negative on decrement; clamp it back to zero.
func (c *RedisController) Release(ctx context.Context, userID string) {
	key := rediskeys.UserRunningKey(userID)

	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		c.logger.Error("failed to release admission slot",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	if n < 0 {
		if err := c.rdb.Set(ctx, key, 0, 0).Err(); err != nil {
			c.logger.Error("failed to clamp admission counter",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
}
