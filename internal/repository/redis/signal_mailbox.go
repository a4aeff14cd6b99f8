package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wellcall-backend/internal/domain"
	"wellcall-backend/pkg/logger"
)

const (
	signalSequenceKey = "call:signals:seq"
	// Mailboxes outlive any realistic call; the TTL only bounds orphans.
	mailboxTTL = 24 * time.Hour
)

// SignalMailbox keeps signals in one Redis list per (call, recipient role).
// Keys use the call id rather than the caller-chosen session id, so a late
// RPUSH for a deleted call can never surface in a new call on the same
// session id.
type SignalMailbox struct {
	client *redis.Client
}

// NewSignalMailbox creates a new Redis signal mailbox
func NewSignalMailbox(client *redis.Client) *SignalMailbox {
	return &SignalMailbox{
		client: client,
	}
}

// mailboxKey format: call:{callID}:signals:{role}
func mailboxKey(callID uuid.UUID, role domain.Role) string {
	return fmt.Sprintf("call:%s:signals:%s", callID, role)
}

// channelKey format: call:{callID}:signal
func channelKey(callID uuid.UUID) string {
	return fmt.Sprintf("call:%s:signal", callID)
}

// Enqueue appends the signal to the recipient's list and fills in its id
func (m *SignalMailbox) Enqueue(ctx context.Context, signal *domain.Signal) error {
	if signal.CallID == uuid.Nil {
		return fmt.Errorf("signal for session %s has no call id", signal.SessionID)
	}

	id, err := m.client.Incr(ctx, signalSequenceKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate signal id: %w", err)
	}
	signal.ID = id
	signal.Delivered = false

	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	key := mailboxKey(signal.CallID, signal.RecipientRole)
	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, mailboxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue signal: %w", err)
	}

	// Subscribers are optional; a failed publish never fails the enqueue.
	if err := m.client.Publish(ctx, channelKey(signal.CallID), string(signal.RecipientRole)).Err(); err != nil {
		logger.Warn("Failed to publish signal notification",
			zap.String("session_id", signal.SessionID),
			zap.Error(err))
	}

	return nil
}

// PopNext removes and returns the oldest signal for the recipient role.
// LPOP is atomic, so concurrent pollers never share a signal.
// Returns nil, nil when the mailbox is empty.
func (m *SignalMailbox) PopNext(ctx context.Context, call *domain.Call, role domain.Role) (*domain.Signal, error) {
	data, err := m.client.LPop(ctx, mailboxKey(call.CallID, role)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop signal: %w", err)
	}

	var signal domain.Signal
	if err := json.Unmarshal(data, &signal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signal: %w", err)
	}
	signal.Delivered = true

	return &signal, nil
}

// DeleteForCalls drops both role mailboxes of every call and reports how
// many undelivered signals were discarded
func (m *SignalMailbox) DeleteForCalls(ctx context.Context, calls []domain.CallRef) (int64, error) {
	if len(calls) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(calls)*2)
	for _, ref := range calls {
		keys = append(keys, mailboxKey(ref.CallID, domain.RolePatient), mailboxKey(ref.CallID, domain.RoleDoctor))
	}

	pipe := m.client.TxPipeline()
	lens := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		lens[i] = pipe.LLen(ctx, key)
	}
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete mailboxes: %w", err)
	}

	var total int64
	for _, cmd := range lens {
		total += cmd.Val()
	}

	return total, nil
}

// Subscribe returns a subscription to signal arrivals for a call.
// Message payloads carry the recipient role.
func (m *SignalMailbox) Subscribe(ctx context.Context, callID uuid.UUID) *redis.PubSub {
	return m.client.Subscribe(ctx, channelKey(callID))
}
