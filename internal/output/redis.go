package output

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/repobox/runner/internal/common/logger"
)

// RedisSink appends output lines to Redis lists with a TTL refreshed on
// every append.
type RedisSink struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// NewRedisSink creates a RedisSink. Session logs use a 7-day TTL, legacy
// job logs 24 hours.
func NewRedisSink(rdb *redis.Client, ttl time.Duration, log *logger.Logger) *RedisSink {
	if log == nil {
		log = logger.Default()
	}
	return &RedisSink{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.WithFields(zap.String("component", "output-sink")),
	}
}

// Append implements Sink. Store errors are logged and dropped so an
// output failure can never fail an executor.
func (s *RedisSink) Append(ctx context.Context, key string, line Line) {
	if err := s.rdb.RPush(ctx, key, marshalLine(line)).Err(); err != nil {
		s.logger.Warn("dropping output line", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.logger.Warn("failed to refresh output ttl", zap.String("key", key), zap.Error(err))
	}
}
