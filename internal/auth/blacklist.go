package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlacklist tracks revoked token IDs in Redis under "blacklist:<jti>",
// expiring each entry at the revoked token's own natural lifetime so the
// set never grows past the number of still-valid-but-revoked tokens.
type RedisBlacklist struct {
	client *redis.Client
}

// NewRedisBlacklist wraps an existing Redis client.
func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

// Add marks jti as revoked for the given ttl.
func (b *RedisBlacklist) Add(ctx context.Context, jti string, ttl time.Duration) error {
	if err := b.client.Set(ctx, blacklistKey(jti), "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("auth: blacklist token: %w", err)
	}
	return nil
}

// IsBlacklisted reports whether jti has been revoked.
func (b *RedisBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	_, err := b.client.Get(ctx, blacklistKey(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("auth: check blacklist: %w", err)
	}
	return true, nil
}

// Count returns the number of currently blacklisted tokens, for metrics.
func (b *RedisBlacklist) Count(ctx context.Context) (int64, error) {
	keys, err := b.client.Keys(ctx, "blacklist:*").Result()
	if err != nil {
		return 0, fmt.Errorf("auth: count blacklist: %w", err)
	}
	return int64(len(keys)), nil
}

func blacklistKey(jti string) string {
	return "blacklist:" + jti
}
