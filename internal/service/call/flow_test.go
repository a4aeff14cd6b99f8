package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellcall-backend/internal/domain"
	"wellcall-backend/internal/repository"
	"wellcall-backend/internal/repository/memory"
	"wellcall-backend/pkg/cache"
	apperrors "wellcall-backend/pkg/errors"
	"wellcall-backend/pkg/metrics"
)

// recordingNotifier collects missed-call notices
type recordingNotifier struct {
	mu     sync.Mutex
	missed []*domain.MissedCall
	err    error
}

func (n *recordingNotifier) NotifyMissedCall(ctx context.Context, missed *domain.MissedCall) (*domain.NotifyResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missed = append(n.missed, missed)
	if n.err != nil {
		return nil, n.err
	}
	return &domain.NotifyResult{EmailSent: true}, nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.missed)
}

type memoryFixture struct {
	store    *memory.Store
	notifier *recordingNotifier
	clock    *testClock
	service  *Service

	patient domain.Participant
	doctor  domain.Participant
}

func newMemoryFixture(t *testing.T) *memoryFixture {
	t.Helper()

	f := &memoryFixture{
		store:    memory.NewStore(),
		notifier: &recordingNotifier{},
		clock:    &testClock{now: testNow},
		patient:  domain.Participant{ID: uuid.New(), Role: domain.RolePatient, DisplayName: "Pat"},
		doctor:   domain.Participant{ID: uuid.New(), Role: domain.RoleDoctor, DisplayName: "Dr. Who"},
	}
	f.store.PutProfile(&domain.ParticipantProfile{
		ID:          f.doctor.ID,
		DisplayName: f.doctor.DisplayName,
		Email:       "doctor@example.com",
		Role:        domain.RoleDoctor,
	})
	require.NoError(t, f.store.Connect(context.Background(), f.patient.ID, f.doctor.ID))

	f.service = NewService(f.store, f.store, f.store, f.store, f.notifier,
		cache.NewMemoryCache(time.Minute, 100), metrics.NewMetrics("call-test"), DefaultOptions())
	f.service.SetClock(f.clock.Now)
	return f
}

func (f *memoryFixture) initiate(t *testing.T, sessionID string) *domain.Call {
	t.Helper()
	created, err := f.service.InitiateCall(context.Background(), f.patient, &InitiateCallInput{
		DoctorID:  f.doctor.ID,
		SessionID: sessionID,
	})
	require.NoError(t, err)
	return created
}

func TestCallLifecycle(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	f.initiate(t, "room-1")

	incoming, err := f.service.ListIncomingCalls(ctx, f.doctor)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "room-1", incoming[0].SessionID)

	answer, err := f.service.AnswerCall(ctx, f.doctor, "room-1")
	require.NoError(t, err)
	assert.False(t, answer.AlreadyActive)

	incoming, err = f.service.ListIncomingCalls(ctx, f.doctor)
	require.NoError(t, err)
	assert.Empty(t, incoming)

	_, err = f.service.SendSignal(ctx, f.patient, "room-1", json.RawMessage(`{"type":"offer"}`))
	require.NoError(t, err)
	_, err = f.service.SendSignal(ctx, f.doctor, "room-1", json.RawMessage(`{"type":"answer"}`))
	require.NoError(t, err)

	status, err := f.service.GetCallStatus(ctx, f.doctor, "room-1")
	require.NoError(t, err)
	require.NotNil(t, status.Signal)
	assert.JSONEq(t, `{"type":"offer"}`, string(status.Signal.Payload))

	status, err = f.service.GetCallStatus(ctx, f.patient, "room-1")
	require.NoError(t, err)
	require.NotNil(t, status.Signal)
	assert.JSONEq(t, `{"type":"answer"}`, string(status.Signal.Payload))

	f.clock.Advance(42 * time.Second)
	ended, err := f.service.EndCall(ctx, f.patient, "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, 42, *ended.DurationSeconds)

	_, err = f.service.EndCall(ctx, f.doctor, "room-1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	history, err := f.service.ListCallHistory(ctx, f.patient, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.CallStatusEnded, history[0].Status)

	f.service.Wait()
	assert.Zero(t, f.notifier.count())
}

func TestCallLifecycle_MissedNotifiesDoctor(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.initiate(t, "room-1")

	ended, err := f.service.EndCall(ctx, f.patient, "room-1")
	require.NoError(t, err)
	f.service.Wait()

	assert.Equal(t, domain.CallStatusMissed, ended.Status)
	require.Equal(t, 1, f.notifier.count())
	missed := f.notifier.missed[0]
	assert.Equal(t, "doctor@example.com", missed.Doctor.Email)
	assert.Equal(t, "Dr. Who", missed.Doctor.DisplayName)
	assert.Equal(t, "Pat", missed.PatientName)
}

func TestCallLifecycle_RejectedNeverNotifies(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.initiate(t, "room-1")

	_, err := f.service.RejectCall(ctx, f.doctor, "room-1")
	require.NoError(t, err)
	_, err = f.service.EndCall(ctx, f.patient, "room-1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	f.service.Wait()
	assert.Zero(t, f.notifier.count())
}

func TestConcurrentAnswers_ExactlyOneTransition(t *testing.T) {
	f := newMemoryFixture(t)
	f.initiate(t, "room-1")

	const attempts = 32
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.service.AnswerCall(context.Background(), f.doctor, "room-1")
			if err != nil {
				assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState), "unexpected error: %v", err)
				return
			}
			if !result.AlreadyActive {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, transitions)
	c, err := f.store.GetBySessionID(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, c.Status)
}

func TestConcurrentFinish_SingleTerminalWrite(t *testing.T) {
	f := newMemoryFixture(t)
	f.initiate(t, "room-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.service.RejectCall(context.Background(), f.doctor, "room-1")
			} else {
				_, err = f.service.EndCall(context.Background(), f.patient, "room-1")
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	f.service.Wait()

	assert.Equal(t, 1, succeeded)
	c, err := f.store.GetBySessionID(context.Background(), "room-1")
	require.NoError(t, err)
	assert.True(t, c.Status.IsTerminal())
	if c.Status == domain.CallStatusMissed {
		assert.Equal(t, 1, f.notifier.count())
	} else {
		assert.Zero(t, f.notifier.count())
	}
}

func TestSignals_DeliveredInOrderOnce(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.initiate(t, "room-1")

	for i := 0; i < 5; i++ {
		_, err := f.service.SendSignal(ctx, f.patient, "room-1", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		status, err := f.service.GetCallStatus(ctx, f.doctor, "room-1")
		require.NoError(t, err)
		require.NotNil(t, status.Signal)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(status.Signal.Payload))
	}

	status, err := f.service.GetCallStatus(ctx, f.doctor, "room-1")
	require.NoError(t, err)
	assert.Nil(t, status.Signal)

	// The sender's own mailbox stays empty
	status, err = f.service.GetCallStatus(ctx, f.patient, "room-1")
	require.NoError(t, err)
	assert.Nil(t, status.Signal)
}

func TestSignals_ConcurrentPollersNeverShare(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.initiate(t, "room-1")

	const total = 60
	for i := 0; i < total; i++ {
		_, err := f.service.SendSignal(ctx, f.patient, "room-1", json.RawMessage(fmt.Sprintf(`%d`, i)))
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]int)
	)
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				status, err := f.service.GetCallStatus(ctx, f.doctor, "room-1")
				if !assert.NoError(t, err) || status.Signal == nil {
					return
				}
				mu.Lock()
				seen[status.Signal.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "signal %d delivered %d times", id, n)
	}
}

func TestSignals_RejectedAfterEnd(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.initiate(t, "room-1")
	_, err := f.service.AnswerCall(ctx, f.doctor, "room-1")
	require.NoError(t, err)
	_, err = f.service.EndCall(ctx, f.doctor, "room-1")
	require.NoError(t, err)

	_, err = f.service.SendSignal(ctx, f.patient, "room-1", json.RawMessage(`{}`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestDeleteHistory(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	finished := f.initiate(t, "room-1")
	_, err := f.service.SendSignal(ctx, f.patient, "room-1", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	_, err = f.service.RejectCall(ctx, f.doctor, "room-1")
	require.NoError(t, err)

	f.initiate(t, "room-2")
	_, err = f.service.RejectCall(ctx, f.doctor, "room-2")
	require.NoError(t, err)

	f.initiate(t, "room-3") // still ringing

	result, err := f.service.DeleteCall(ctx, f.doctor, finished.CallID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Calls)
	assert.Equal(t, int64(1), result.Signals)

	_, err = f.service.GetCallStatus(ctx, f.patient, "room-1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	result, err = f.service.ClearHistory(ctx, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Calls)

	history, err := f.service.ListCallHistory(ctx, f.doctor, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "room-3", history[0].SessionID)
}

func TestDeleteHistory_ReusedSessionStartsEmpty(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	old := f.initiate(t, "room-1")
	_, err := f.service.SendSignal(ctx, f.patient, "room-1", json.RawMessage(`{"type":"offer"}`))
	require.NoError(t, err)
	_, err = f.service.RejectCall(ctx, f.doctor, "room-1")
	require.NoError(t, err)
	_, err = f.service.DeleteCall(ctx, f.doctor, old.CallID)
	require.NoError(t, err)

	renewed := f.initiate(t, "room-1")
	assert.NotEqual(t, old.CallID, renewed.CallID)

	// A write still in flight for the deleted call lands nowhere
	err = f.store.Enqueue(ctx, &domain.Signal{
		CallID:        old.CallID,
		SessionID:     "room-1",
		SenderID:      f.patient.ID,
		RecipientRole: domain.RoleDoctor,
		Payload:       json.RawMessage(`{"type":"candidate"}`),
		CreatedAt:     f.clock.Now(),
	})
	assert.ErrorIs(t, err, repository.ErrCallNotLive)

	status, err := f.service.GetCallStatus(ctx, f.doctor, "room-1")
	require.NoError(t, err)
	assert.Nil(t, status.Signal)
}

func TestCallLifecycle_MissedUsesPatientProfileName(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.store.PutProfile(&domain.ParticipantProfile{
		ID:          f.patient.ID,
		DisplayName: "Pat Jones",
		Role:        domain.RolePatient,
	})

	anonymous := f.patient
	anonymous.DisplayName = ""
	_, err := f.service.InitiateCall(ctx, anonymous, &InitiateCallInput{DoctorID: f.doctor.ID, SessionID: "room-1"})
	require.NoError(t, err)

	_, err = f.service.EndCall(ctx, anonymous, "room-1")
	require.NoError(t, err)
	f.service.Wait()

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "Pat Jones", f.notifier.missed[0].PatientName)
}

func TestInitiate_DuplicateSession(t *testing.T) {
	f := newMemoryFixture(t)
	f.initiate(t, "room-1")

	_, err := f.service.InitiateCall(context.Background(), f.patient, &InitiateCallInput{
		DoctorID:  f.doctor.ID,
		SessionID: "room-1",
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
}
