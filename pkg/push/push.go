package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"wellcall-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	Priority   string            `json:"priority,omitempty"` // high, normal
	Sound      string            `json:"sound,omitempty"`
	Category   string            `json:"category,omitempty"`
	CollapseID string            `json:"collapse_id,omitempty"`
	TTL        time.Duration     `json:"ttl,omitempty"`
}

// MissedCallData describes a call the doctor did not pick up
type MissedCallData struct {
	SessionID   string
	PatientName string
	StartedAt   time.Time
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging, android and web
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a participant
type Token struct {
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	Delete(ctx context.Context, userID uuid.UUID, token string) error
	MarkInactive(ctx context.Context, userID uuid.UUID, token string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken stores or refreshes a device token
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a device token
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	return s.repo.Delete(ctx, userID, token)
}

// MissedCallNotification builds the alert shown to a doctor for a missed call
func MissedCallNotification(data *MissedCallData) *Notification {
	name := data.PatientName
	if name == "" {
		name = "A patient"
	}

	return &Notification{
		Title:      "Missed Call",
		Body:       fmt.Sprintf("%s tried to call you at %s", name, data.StartedAt.UTC().Format("15:04 MST")),
		Priority:   "high",
		Sound:      "default",
		Category:   "MISSED_CALL",
		CollapseID: data.SessionID,
		TTL:        24 * time.Hour,
		Data: map[string]string{
			"type":         "missed_call",
			"session_id":   data.SessionID,
			"patient_name": data.PatientName,
			"started_at":   data.StartedAt.UTC().Format(time.RFC3339),
		},
	}
}

// SendMissedCall pushes a missed-call alert to every active device of the user.
// A user without devices yields an empty result and no error.
func (s *Service) SendMissedCall(ctx context.Context, userID uuid.UUID, data *MissedCallData) (*SendResult, error) {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get push tokens: %w", err)
	}

	active := lo.FilterMap(tokens, func(t *Token, _ int) (string, bool) {
		return t.Token, t.Active
	})
	if len(active) == 0 {
		logger.Debug("No active push tokens for user",
			zap.String("user_id", userID.String()))
		return &SendResult{}, nil
	}

	result, err := s.provider.Send(ctx, MissedCallNotification(data), lo.Uniq(active))
	if err != nil {
		return nil, fmt.Errorf("failed to send missed call notification: %w", err)
	}

	logger.Info("Missed call push sent",
		zap.String("session_id", data.SessionID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	for _, invalid := range result.InvalidTokens {
		if err := s.repo.MarkInactive(ctx, userID, invalid); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token_prefix", maskPushToken(invalid)),
				zap.Error(err))
		}
	}

	return result, nil
}

func maskPushToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "***"
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns the notifications sent so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
