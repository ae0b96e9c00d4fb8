package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimBatchSize bounds one XAUTOCLAIM sweep.
const claimBatchSize = 100

// RedisClient implements Client on Redis streams.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient creates a RedisClient.
func NewRedisClient(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

// EnsureGroup implements Client. The group starts at "0" so entries
// published before the first runner came up are still consumed.
func (c *RedisClient) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}

// Read implements Client.
func (c *RedisClient) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, fromPending bool) ([]Message, error) {
	cursor := ">"
	if fromPending {
		cursor = "0"
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, cursor},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			msgs = append(msgs, Message{
				ID:     m.ID,
				Stream: s.Stream,
				Values: stringValues(m.Values),
			})
		}
	}
	return msgs, nil
}

// Claim implements Client.
func (c *RedisClient) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Message, error) {
	claimed, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    claimBatchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, Message{
			ID:     m.ID,
			Stream: stream,
			Values: stringValues(m.Values),
		})
	}
	return msgs, nil
}

// Ack implements Client.
func (c *RedisClient) Ack(ctx context.Context, stream, group, id string) error {
	return c.rdb.XAck(ctx, stream, group, id).Err()
}

// Add implements Client.
func (c *RedisClient) Add(ctx context.Context, stream string, values map[string]string) (string, error) {
	iv := make(map[string]interface{}, len(values))
	for k, v := range values {
		iv[k] = v
	}
	return c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: iv}).Result()
}

func stringValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = fmt.Sprint(v)
	}
	return out
}
