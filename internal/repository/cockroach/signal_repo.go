package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"wellcall-backend/internal/domain"
	"wellcall-backend/internal/repository"
)

// SignalRepository is the SQL-backed signal mailbox
type SignalRepository struct {
	pool DBTX
}

// NewSignalRepository creates a new signal repository
func NewSignalRepository(pool DBTX) *SignalRepository {
	return &SignalRepository{pool: pool}
}

// Enqueue appends an undelivered signal and fills in its id. The insert is
// conditioned on the same call still ringing or active, so a signal can never
// land on a finished call or on a newer call reusing the session id.
func (r *SignalRepository) Enqueue(ctx context.Context, signal *domain.Signal) error {
	query := `
		INSERT INTO call_signals (session_id, sender_id, recipient_role, payload, delivered, created_at)
		SELECT session_id, $3, $4, $5, false, $6
		FROM calls
		WHERE session_id = $1 AND call_id = $2 AND status IN ('ringing', 'active')
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		signal.SessionID,
		signal.CallID,
		signal.SenderID,
		signal.RecipientRole,
		[]byte(signal.Payload),
		signal.CreatedAt,
	).Scan(&signal.ID)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrCallNotLive
		}
		return fmt.Errorf("failed to enqueue signal: %w", err)
	}

	return nil
}

// PopNext hands out the earliest undelivered signal for the recipient role
// and flags it delivered in the same statement. A concurrent poller blocks on
// the row lock and re-checks delivered once it is released, so it may come
// back empty; the next signal then waits for its following poll. It never
// receives the same signal and never skips ahead of a locked one.
// Returns nil, nil when the mailbox is empty.
func (r *SignalRepository) PopNext(ctx context.Context, call *domain.Call, role domain.Role) (*domain.Signal, error) {
	query := `
		UPDATE call_signals
		SET delivered = true
		WHERE id = (
			SELECT id FROM call_signals
			WHERE session_id = $1 AND recipient_role = $2 AND delivered = false
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE
		) AND delivered = false
		RETURNING id, session_id, sender_id, recipient_role, payload, delivered, created_at
	`

	signal := &domain.Signal{}
	var payload []byte
	err := r.pool.QueryRow(ctx, query, call.SessionID, role).Scan(
		&signal.ID,
		&signal.SessionID,
		&signal.SenderID,
		&signal.RecipientRole,
		&payload,
		&signal.Delivered,
		&signal.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop signal: %w", err)
	}
	signal.CallID = call.CallID
	signal.Payload = payload

	return signal, nil
}

// DeleteForCalls removes signals of the given calls. The call ledger already
// purges them inside its delete transaction, so this normally reports zero.
func (r *SignalRepository) DeleteForCalls(ctx context.Context, calls []domain.CallRef) (int64, error) {
	if len(calls) == 0 {
		return 0, nil
	}

	sessionIDs := lo.Map(calls, func(ref domain.CallRef, _ int) string { return ref.SessionID })
	tag, err := r.pool.Exec(ctx, `DELETE FROM call_signals WHERE session_id = ANY($1)`, sessionIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete signals: %w", err)
	}

	return tag.RowsAffected(), nil
}
