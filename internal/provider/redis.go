package provider

import (
	"context"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/repobox/runner/internal/common/errors"
	"github.com/repobox/runner/internal/crypto"
	"github.com/repobox/runner/internal/rediskeys"
)

// RedisStore reads encrypted provider hashes and decrypts the token.
type RedisStore struct {
	rdb       *redis.Client
	decryptor *crypto.Decryptor
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb *redis.Client, decryptor *crypto.Decryptor) *RedisStore {
	return &RedisStore{rdb: rdb, decryptor: decryptor}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, userID, providerID string) (*Provider, error) {
	key := rediskeys.GitProviderKey(userID, providerID)

	data, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, apperrors.Internal("failed to read provider record", err)
	}
	if len(data) == 0 {
		return nil, apperrors.NotFound("provider", providerID)
	}

	ciphertext, ok := data["token"]
	if !ok || ciphertext == "" {
		return nil, apperrors.Credential("provider record has no token", nil)
	}

	token, err := s.decryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, apperrors.Credential("failed to decrypt provider token", err)
	}

	return &Provider{
		Type:    data["type"],
		BaseURL: data["url"],
		Token:   crypto.Secret(token),
	}, nil
}
