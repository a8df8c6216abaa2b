package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/repository"
	"storefront-auth/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// RateLimitCache is a fixed-window counter per key.
type RateLimitCache struct {
	client *client.RedisClient
}

var _ repository.RateLimiter = (*RateLimitCache)(nil)

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, ttl, err := c.client.IncrWithExpire(ctx, rateLimitPrefix+key, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter", zap.String("key", key), zap.Error(err))
		return false, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if count > int64(limit) {
		if ttl < 0 {
			ttl = window
		}
		util.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit),
			zap.Duration("retry_after", ttl))
		return false, ttl, nil
	}
	return true, 0, nil
}

func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.client.Del(ctx, rateLimitPrefix+key); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
