package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wellcall-backend/pkg/config"
	"wellcall-backend/pkg/logger"
)

// RedisDB wraps a Redis client with degraded mode tracking
type RedisDB struct {
	Client   *redis.Client
	degraded atomic.Bool
}

// NewRedisDB creates a new Redis client and verifies the connection
func NewRedisDB(cfg *config.RedisConfig) (*RedisDB, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	db := &RedisDB{Client: client}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		db.degraded.Store(true)
		return db, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return db, nil
}

// Close closes the Redis connection
func (db *RedisDB) Close() error {
	return db.Client.Close()
}

// IsDegraded reports whether the last health check failed
func (db *RedisDB) IsDegraded() bool {
	return db.degraded.Load()
}

// HealthCheck pings Redis and updates degraded mode
func (db *RedisDB) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := db.Client.Ping(healthCtx).Err()
	wasDegraded := db.degraded.Swap(err != nil)
	if err != nil && !wasDegraded {
		logger.Warn("Redis entered degraded mode", zap.Error(err))
	} else if err == nil && wasDegraded {
		logger.Info("Redis recovered from degraded mode")
	}
	if err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// StartHealthCheck runs HealthCheck every interval until ctx is cancelled
func (db *RedisDB) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = db.HealthCheck(ctx)
			}
		}
	}()
}
