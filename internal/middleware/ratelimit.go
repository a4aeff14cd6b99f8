package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "wellcall-backend/pkg/errors"
	"wellcall-backend/pkg/logger"
	"wellcall-backend/pkg/response"
)

// RateLimiter implements a Redis fixed-window limit per participant.
// Browsers poll call status every second or so; the limit only stops
// runaway clients.
type RateLimiter struct {
	redisClient *redis.Client
	requests    int
	window      time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient *redis.Client, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		requests:    requests,
		window:      window,
	}
}

// Middleware returns a Gin middleware for rate limiting. It must run after
// AuthMiddleware; unauthenticated requests fall back to the client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if participant, ok := GetParticipant(c); ok {
			identifier = "participant:" + participant.ID.String()
		}

		count, resetAt, err := rl.hit(c.Request.Context(), identifier)
		if err != nil {
			// Fail-open: Redis trouble must not take the call relay down
			logger.Warn("Rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		remaining := rl.requests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if count > rl.requests {
			response.Error(c, http.StatusTooManyRequests, string(apperrors.ErrCodeRateLimited), "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

// hit counts the request in the current window and returns the new count
// and the window's reset time
func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int, int64, error) {
	windowSeconds := int64(rl.window.Seconds())
	windowStart := time.Now().Unix() / windowSeconds * windowSeconds
	key := fmt.Sprintf("ratelimit:%s:%d", identifier, windowStart)

	pipe := rl.redisClient.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	return int(incr.Val()), windowStart + windowSeconds, nil
}
