package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const denylistKeyPrefix = "auth:denied_jti:"

// TokenDenylistRepository records revoked access-token ids in Redis until they expire.
// A nil client turns every call into a no-op.
type TokenDenylistRepository struct {
	client *redis.Client
}

// NewTokenDenylistRepository constructs the denylist.
func NewTokenDenylistRepository(client *redis.Client) *TokenDenylistRepository {
	return &TokenDenylistRepository{client: client}
}

// Deny stores the token id for ttl.
func (r *TokenDenylistRepository) Deny(ctx context.Context, tokenID string, ttl time.Duration) error {
	if r.client == nil || tokenID == "" || ttl <= 0 {
		return nil
	}
	key := denylistKeyPrefix + tokenID
	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// IsDenied reports whether the token id has been revoked.
func (r *TokenDenylistRepository) IsDenied(ctx context.Context, tokenID string) (bool, error) {
	if r.client == nil || tokenID == "" {
		return false, nil
	}
	key := denylistKeyPrefix + tokenID
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}
