package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"

	"wellcall-backend/internal/domain"
	"wellcall-backend/internal/repository"
)

const callColumns = `call_id, session_id, initiator_id, initiator_name, responder_id, status,
	started_at, answered_at, ended_at, duration_seconds`

// CallRepository is the persisted call ledger
type CallRepository struct {
	pool DBTX
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool DBTX) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call. A duplicate session id yields repository.ErrSessionExists.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (
			call_id, session_id, initiator_id, initiator_name, responder_id, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.SessionID,
		call.InitiatorID,
		call.InitiatorName,
		call.ResponderID,
		call.Status,
		call.StartedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrSessionExists
		}
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetBySessionID retrieves a call by its session id
func (r *CallRepository) GetBySessionID(ctx context.Context, sessionID string) (*domain.Call, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE session_id = $1`, sessionID)
	return scanCall(row)
}

// GetByID retrieves a call by its call id
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE call_id = $1`, callID)
	return scanCall(row)
}

// ApplyTransition performs a compare-and-set status change keyed on the
// expected current status. It reports false when no row matched.
func (r *CallRepository) ApplyTransition(ctx context.Context, sessionID string, t domain.Transition) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)

	if t.To == domain.CallStatusActive {
		tag, err = r.pool.Exec(ctx, `
			UPDATE calls
			SET status = $3, answered_at = $4
			WHERE session_id = $1 AND status = $2 AND answered_at IS NULL
		`, sessionID, t.From, t.To, t.At)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE calls
			SET status = $3, ended_at = $4, duration_seconds = $5
			WHERE session_id = $1 AND status = $2 AND ended_at IS NULL
		`, sessionID, t.From, t.To, t.At, t.DurationSeconds)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update call status: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ListRinging returns ringing calls addressed to the responder, newest first
func (r *CallRepository) ListRinging(ctx context.Context, responderID uuid.UUID) ([]*domain.Call, error) {
	return r.queryCalls(ctx, `
		SELECT `+callColumns+`
		FROM calls
		WHERE responder_id = $1 AND status = 'ringing'
		ORDER BY started_at DESC
	`, responderID)
}

// ListByParticipant returns calls where the participant is either party
func (r *CallRepository) ListByParticipant(ctx context.Context, participantID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	return r.queryCalls(ctx, `
		SELECT `+callColumns+`
		FROM calls
		WHERE initiator_id = $1 OR responder_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`, participantID, limit, offset)
}

// ListStale returns calls in status that started before the cutoff
func (r *CallRepository) ListStale(ctx context.Context, status domain.CallStatus, startedBefore time.Time) ([]*domain.Call, error) {
	return r.queryCalls(ctx, `
		SELECT `+callColumns+`
		FROM calls
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
		LIMIT 500
	`, status, startedBefore)
}

// Delete removes one call and its signals in a single transaction
func (r *CallRepository) Delete(ctx context.Context, callID uuid.UUID) (*domain.DeleteResult, error) {
	return r.deleteWhere(ctx, `call_id = $1`, callID)
}

// DeleteTerminalByResponder removes every finished call the doctor answered
// for, together with their signals, in a single transaction
func (r *CallRepository) DeleteTerminalByResponder(ctx context.Context, responderID uuid.UUID) (*domain.DeleteResult, error) {
	return r.deleteWhere(ctx, `responder_id = $1 AND status IN ('rejected', 'missed', 'ended')`, responderID)
}

func (r *CallRepository) deleteWhere(ctx context.Context, predicate string, arg interface{}) (*domain.DeleteResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT call_id, session_id FROM calls WHERE `+predicate+` FOR UPDATE`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to lock calls: %w", err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[domain.CallRef])
	if err != nil {
		return nil, fmt.Errorf("failed to scan deleted calls: %w", err)
	}

	result := &domain.DeleteResult{Removed: refs}
	if len(refs) == 0 {
		return result, nil
	}
	sessionIDs := lo.Map(refs, func(ref domain.CallRef, _ int) string { return ref.SessionID })

	tag, err := tx.Exec(ctx, `DELETE FROM call_signals WHERE session_id = ANY($1)`, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to delete signals: %w", err)
	}
	result.Signals = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM calls WHERE session_id = ANY($1)`, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to delete calls: %w", err)
	}
	result.Calls = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}

	return result, nil
}

func (r *CallRepository) queryCalls(ctx context.Context, query string, args ...interface{}) ([]*domain.Call, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	calls := []*domain.Call{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}

	return calls, nil
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	call := &domain.Call{}
	err := row.Scan(
		&call.CallID,
		&call.SessionID,
		&call.InitiatorID,
		&call.InitiatorName,
		&call.ResponderID,
		&call.Status,
		&call.StartedAt,
		&call.AnsweredAt,
		&call.EndedAt,
		&call.DurationSeconds,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}

	return call, nil
}
