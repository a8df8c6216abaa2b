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

const revokedTokenPrefix = "revoked_jti:"

// RevocationCache keeps revoked token ids only as long as the token itself
// could still be presented.
type RevocationCache struct {
	client *client.RedisClient
	now    func() time.Time
}

var _ repository.RevocationStore = (*RevocationCache)(nil)

func NewRevocationCache(client *client.RedisClient, now func() time.Time) *RevocationCache {
	if now == nil {
		now = time.Now
	}
	return &RevocationCache{client: client, now: now}
}

func (c *RevocationCache) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ttl := until.Sub(c.now())
	if ttl <= 0 {
		// Already past its expiry; nothing left to block.
		return nil
	}

	if _, err := c.client.SetNX(ctx, revokedTokenPrefix+tokenID, "1", ttl); err != nil {
		util.Error("Failed to revoke token", zap.String("jti", tokenID), zap.Error(err))
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	util.Debug("Token revoked", zap.String("jti", tokenID), zap.Duration("ttl", ttl))
	return nil
}

func (c *RevocationCache) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	revoked, err := c.client.Exists(ctx, revokedTokenPrefix+tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return revoked, nil
}
