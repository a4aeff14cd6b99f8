package middleware

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"wellcall-backend/pkg/jwt"
)

// RedisRevocationChecker implements RevocationChecker using the shared
// Redis blacklist written by the auth service on logout
type RedisRevocationChecker struct {
	client *redis.Client
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *redis.Client) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if the token id is in the Redis blacklist
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error) {
	if claims.ID == "" {
		return false, nil
	}

	// Key format: blacklist:{jti}
	exists, err := c.client.Exists(ctx, fmt.Sprintf("blacklist:%s", claims.ID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}

	return exists > 0, nil
}
