package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wellcall-backend/pkg/logger"
	"wellcall-backend/pkg/push"
)

const pushTokenExpiry = 30 * 24 * time.Hour

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{
		client: client,
	}
}

// userTokensKey format: push:user:{userID}:tokens, a hash of token -> JSON
func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores or refreshes a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := userTokensKey(token.UserID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, token.Token, data)
	pipe.Expire(ctx, key, pushTokenExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	entries, err := r.client.HGetAll(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	tokens := make([]*push.Token, 0, len(entries))
	for _, data := range entries {
		var token push.Token
		if err := json.Unmarshal([]byte(data), &token); err != nil {
			logger.Warn("Skipping malformed push token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		tokens = append(tokens, &token)
	}

	return tokens, nil
}

// Delete removes one token of a user
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	if err := r.client.HDel(ctx, userTokensKey(userID), token).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// MarkInactive flags a token the provider reported as unregistered
func (r *PushTokenRepository) MarkInactive(ctx context.Context, userID uuid.UUID, token string) error {
	key := userTokensKey(userID)
	data, err := r.client.HGet(ctx, key, token).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("failed to get token: %w", err)
	}

	var stored push.Token
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal token: %w", err)
	}
	stored.Active = false
	stored.UpdatedAt = time.Now().Unix()

	updated, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.HSet(ctx, key, token, updated).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	return nil
}
