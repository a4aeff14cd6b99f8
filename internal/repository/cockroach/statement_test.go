package cockroach

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellcall-backend/internal/domain"
	"wellcall-backend/internal/repository"
)

var signalColumns = []string{"id", "session_id", "sender_id", "recipient_role", "payload", "delivered", "created_at"}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func TestApplyTransition_Statements(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	t.Run("answer lost to another writer", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectExec(`UPDATE calls\s+SET status = \$3, answered_at = \$4\s+WHERE session_id = \$1 AND status = \$2 AND answered_at IS NULL`).
			WithArgs("sess-1", domain.CallStatusRinging, domain.CallStatusActive, at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		ok, err := NewCallRepository(mock).ApplyTransition(context.Background(), "sess-1", domain.Transition{
			From: domain.CallStatusRinging, To: domain.CallStatusActive, At: at,
		})

		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("end records duration", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectExec(`UPDATE calls\s+SET status = \$3, ended_at = \$4, duration_seconds = \$5\s+WHERE session_id = \$1 AND status = \$2 AND ended_at IS NULL`).
			WithArgs("sess-1", domain.CallStatusActive, domain.CallStatusEnded, at, 42).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		ok, err := NewCallRepository(mock).ApplyTransition(context.Background(), "sess-1", domain.Transition{
			From: domain.CallStatusActive, To: domain.CallStatusEnded, At: at, DurationSeconds: 42,
		})

		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("driver error", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectExec(`UPDATE calls`).
			WithArgs("sess-1", domain.CallStatusRinging, domain.CallStatusMissed, at, 0).
			WillReturnError(errors.New("connection reset"))

		_, err := NewCallRepository(mock).ApplyTransition(context.Background(), "sess-1", domain.Transition{
			From: domain.CallStatusRinging, To: domain.CallStatusMissed, At: at,
		})

		assert.ErrorContains(t, err, "connection reset")
	})
}

func TestPopNext_Statements(t *testing.T) {
	call := &domain.Call{CallID: uuid.New(), SessionID: "sess-1"}

	t.Run("empty mailbox", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectQuery(`UPDATE call_signals\s+SET delivered = true\s+WHERE id = \(`).
			WithArgs("sess-1", domain.RoleDoctor).
			WillReturnRows(pgxmock.NewRows(signalColumns))

		sig, err := NewSignalRepository(mock).PopNext(context.Background(), call, domain.RoleDoctor)

		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("hands out the row", func(t *testing.T) {
		mock := newMockPool(t)
		sender := uuid.New()
		created := time.Date(2026, 3, 2, 10, 0, 1, 0, time.UTC)
		mock.ExpectQuery(`UPDATE call_signals\s+SET delivered = true`).
			WithArgs("sess-1", domain.RolePatient).
			WillReturnRows(pgxmock.NewRows(signalColumns).
				AddRow(int64(9), "sess-1", sender, domain.RolePatient, []byte(`{"type":"answer"}`), true, created))

		sig, err := NewSignalRepository(mock).PopNext(context.Background(), call, domain.RolePatient)

		require.NoError(t, err)
		require.NotNil(t, sig)
		assert.Equal(t, int64(9), sig.ID)
		assert.Equal(t, call.CallID, sig.CallID)
		assert.Equal(t, sender, sig.SenderID)
		assert.True(t, sig.Delivered)
		assert.JSONEq(t, `{"type":"answer"}`, string(sig.Payload))
	})
}

func TestEnqueue_Statements(t *testing.T) {
	created := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	signal := func() *domain.Signal {
		return &domain.Signal{
			CallID:        uuid.MustParse("6f1c7e3a-8d2b-4c1a-9e55-0b7d4a2f3c10"),
			SessionID:     "sess-1",
			SenderID:      uuid.MustParse("1b9e4c2d-5a7f-4e3b-8c61-2d0f9a8b7e45"),
			RecipientRole: domain.RoleDoctor,
			Payload:       json.RawMessage(`{"type":"offer"}`),
			CreatedAt:     created,
		}
	}

	t.Run("call no longer live", func(t *testing.T) {
		mock := newMockPool(t)
		s := signal()
		mock.ExpectQuery(`(?s)INSERT INTO call_signals.+\sWHERE session_id = \$1 AND call_id = \$2 AND status IN \('ringing', 'active'\)`).
			WithArgs(s.SessionID, s.CallID, s.SenderID, s.RecipientRole, []byte(s.Payload), s.CreatedAt).
			WillReturnRows(pgxmock.NewRows([]string{"id"}))

		err := NewSignalRepository(mock).Enqueue(context.Background(), s)

		assert.ErrorIs(t, err, repository.ErrCallNotLive)
	})

	t.Run("assigns id", func(t *testing.T) {
		mock := newMockPool(t)
		s := signal()
		mock.ExpectQuery(`INSERT INTO call_signals`).
			WithArgs(s.SessionID, s.CallID, s.SenderID, s.RecipientRole, []byte(s.Payload), s.CreatedAt).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(31)))

		require.NoError(t, NewSignalRepository(mock).Enqueue(context.Background(), s))
		assert.Equal(t, int64(31), s.ID)
	})
}

func TestDelete_NothingMatched(t *testing.T) {
	mock := newMockPool(t)
	callID := uuid.New()
	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectQuery(`SELECT call_id, session_id FROM calls WHERE call_id = \$1 FOR UPDATE`).
		WithArgs(callID).
		WillReturnRows(pgxmock.NewRows([]string{"call_id", "session_id"}))
	mock.ExpectRollback()

	result, err := NewCallRepository(mock).Delete(context.Background(), callID)

	require.NoError(t, err)
	assert.Zero(t, result.Calls)
	assert.Zero(t, result.Signals)
	assert.Empty(t, result.Removed)
}
