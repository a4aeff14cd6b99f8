package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wellcall-backend/internal/domain"
	"wellcall-backend/internal/repository"
	"wellcall-backend/pkg/cache"
	apperrors "wellcall-backend/pkg/errors"
	"wellcall-backend/pkg/logger"
	"wellcall-backend/pkg/metrics"
)

const (
	maxSessionIDLength = 128
	maxSignalBytes     = 64 * 1024
)

// reservedSessionIDs collide with static call routes
var reservedSessionIDs = map[string]bool{
	"incoming": true,
	"history":  true,
}

// CallRepository interface for the persisted call ledger
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetBySessionID(ctx context.Context, sessionID string) (*domain.Call, error)
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	ApplyTransition(ctx context.Context, sessionID string, t domain.Transition) (bool, error)
	ListRinging(ctx context.Context, responderID uuid.UUID) ([]*domain.Call, error)
	ListByParticipant(ctx context.Context, participantID uuid.UUID, limit, offset int) ([]*domain.Call, error)
	ListStale(ctx context.Context, status domain.CallStatus, startedBefore time.Time) ([]*domain.Call, error)
	Delete(ctx context.Context, callID uuid.UUID) (*domain.DeleteResult, error)
	DeleteTerminalByResponder(ctx context.Context, responderID uuid.UUID) (*domain.DeleteResult, error)
}

// SignalMailbox interface for per-recipient signal queues. Signals belong to
// one call: a mailbox never hands a signal of an earlier call to a later call
// that reuses its session id.
type SignalMailbox interface {
	Enqueue(ctx context.Context, signal *domain.Signal) error
	PopNext(ctx context.Context, call *domain.Call, role domain.Role) (*domain.Signal, error)
	DeleteForCalls(ctx context.Context, calls []domain.CallRef) (int64, error)
}

// RelationshipChecker interface for the care relationship collaborator
type RelationshipChecker interface {
	IsActivelyConnected(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error)
}

// ParticipantDirectory interface for participant profile lookups
type ParticipantDirectory interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*domain.ParticipantProfile, error)
}

// MissedCallNotifier interface for the missed-call side channel
type MissedCallNotifier interface {
	NotifyMissedCall(ctx context.Context, missed *domain.MissedCall) (*domain.NotifyResult, error)
}

// Options tunes the coordinator
type Options struct {
	IncomingCacheTTL   time.Duration
	NotifyTimeout      time.Duration
	HistoryDefaultSize int
	HistoryMaxSize     int
	RingTimeout        time.Duration
	MaxDuration        time.Duration
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		IncomingCacheTTL:   3 * time.Second,
		NotifyTimeout:      10 * time.Second,
		HistoryDefaultSize: 20,
		HistoryMaxSize:     100,
		RingTimeout:        2 * time.Minute,
		MaxDuration:        4 * time.Hour,
	}
}

// Service is the call coordinator: it owns the call state machine, enforces
// the authorization policy and relays signals between the two peers
type Service struct {
	calls         CallRepository
	mailbox       SignalMailbox
	relationships RelationshipChecker
	participants  ParticipantDirectory
	notifier      MissedCallNotifier
	cache         cache.Cache
	metrics       *metrics.Metrics
	opts          Options
	now           func() time.Time

	notifications sync.WaitGroup
}

// NewService creates a new call coordinator. metrics may be nil.
func NewService(
	calls CallRepository,
	mailbox SignalMailbox,
	relationships RelationshipChecker,
	participants ParticipantDirectory,
	notifier MissedCallNotifier,
	incomingCache cache.Cache,
	m *metrics.Metrics,
	opts Options,
) *Service {
	return &Service{
		calls:         calls,
		mailbox:       mailbox,
		relationships: relationships,
		participants:  participants,
		notifier:      notifier,
		cache:         incomingCache,
		metrics:       m,
		opts:          opts,
		now:           time.Now,
	}
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Wait blocks until every in-flight missed-call notification has finished
func (s *Service) Wait() {
	s.notifications.Wait()
}

// InitiateCallInput contains call initiation data
type InitiateCallInput struct {
	DoctorID  uuid.UUID
	SessionID string
}

// InitiateCall creates a ringing call from a patient to a connected doctor
func (s *Service) InitiateCall(ctx context.Context, caller domain.Participant, input *InitiateCallInput) (*domain.Call, error) {
	if err := validateSessionID(input.SessionID); err != nil {
		return nil, err
	}
	if input.DoctorID == uuid.Nil {
		return nil, apperrors.ValidationError("doctor_id is required")
	}
	if !CanPerform(ActionInitiate, caller.Role, caller.ID, nil) {
		return nil, apperrors.UnauthorizedError("Only patients can start a call")
	}

	connected, err := s.relationships.IsActivelyConnected(ctx, caller.ID, input.DoctorID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if !connected {
		return nil, apperrors.UnauthorizedError("No active care relationship with this doctor")
	}

	call := &domain.Call{
		CallID:        uuid.New(),
		SessionID:     input.SessionID,
		InitiatorID:   caller.ID,
		InitiatorName: caller.DisplayName,
		ResponderID:   input.DoctorID,
		Status:        domain.CallStatusRinging,
		StartedAt:     s.now().UTC(),
	}

	if err := s.calls.Create(ctx, call); err != nil {
		if errors.Is(err, repository.ErrSessionExists) {
			return nil, apperrors.ConflictError("Session id already in use")
		}
		return nil, apperrors.DatabaseError(err)
	}

	s.invalidateIncoming(call.ResponderID)
	s.metrics.RecordCall(string(domain.CallStatusRinging))

	logger.FromContext(ctx).Info("Call initiated",
		zap.String("session_id", call.SessionID),
		zap.String("initiator_id", call.InitiatorID.String()),
		zap.String("responder_id", call.ResponderID.String()))

	return call, nil
}

// AnswerResult reports the outcome of an answer
type AnswerResult struct {
	Call          *domain.Call
	AlreadyActive bool
}

// AnswerCall moves a ringing call to active. Answering an active call again
// succeeds without change.
func (s *Service) AnswerCall(ctx context.Context, caller domain.Participant, sessionID string) (*AnswerResult, error) {
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !CanPerform(ActionAnswer, caller.Role, caller.ID, call) {
		return nil, apperrors.UnauthorizedError("Only the called doctor can answer")
	}

	if call.Status == domain.CallStatusActive {
		return &AnswerResult{Call: call, AlreadyActive: true}, nil
	}
	if call.Status != domain.CallStatusRinging {
		return nil, invalidTransition(call.Status, ActionAnswer)
	}

	now := s.now().UTC()
	if err := s.transition(ctx, call, ActionAnswer, domain.Transition{
		From: domain.CallStatusRinging,
		To:   domain.CallStatusActive,
		At:   now,
	}); err != nil {
		return nil, err
	}

	call.Status = domain.CallStatusActive
	call.AnsweredAt = &now
	return &AnswerResult{Call: call}, nil
}

// RejectCall moves a ringing call to rejected
func (s *Service) RejectCall(ctx context.Context, caller domain.Participant, sessionID string) (*domain.Call, error) {
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !CanPerform(ActionReject, caller.Role, caller.ID, call) {
		return nil, apperrors.UnauthorizedError("Only the called doctor can reject")
	}
	if call.Status != domain.CallStatusRinging {
		return nil, invalidTransition(call.Status, ActionReject)
	}

	now := s.now().UTC()
	if err := s.transition(ctx, call, ActionReject, domain.Transition{
		From: domain.CallStatusRinging,
		To:   domain.CallStatusRejected,
		At:   now,
	}); err != nil {
		return nil, err
	}

	stampTerminal(call, domain.CallStatusRejected, now, 0)
	return call, nil
}

// EndCall finishes a call from either side. A call that was never answered
// becomes missed and the doctor is notified in the background.
func (s *Service) EndCall(ctx context.Context, caller domain.Participant, sessionID string) (*domain.Call, error) {
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !CanPerform(ActionEnd, caller.Role, caller.ID, call) {
		return nil, apperrors.UnauthorizedError("Only call participants can end the call")
	}
	if call.Status.IsTerminal() {
		return nil, invalidTransition(call.Status, ActionEnd)
	}

	if err := s.finish(ctx, call, ActionEnd); err != nil {
		return nil, err
	}
	return call, nil
}

// finish applies the terminal transition for a ringing or active call and
// updates call in place on success
func (s *Service) finish(ctx context.Context, call *domain.Call, action Action) error {
	now := s.now().UTC()
	t := domain.Transition{From: call.Status, At: now}

	switch call.Status {
	case domain.CallStatusRinging:
		t.To = domain.CallStatusMissed
	case domain.CallStatusActive:
		t.To = domain.CallStatusEnded
		t.DurationSeconds = durationSince(call.AnsweredAt, now)
	default:
		return invalidTransition(call.Status, action)
	}

	if err := s.transition(ctx, call, action, t); err != nil {
		return err
	}

	stampTerminal(call, t.To, now, t.DurationSeconds)
	if t.To == domain.CallStatusEnded {
		s.metrics.ObserveCallDuration(t.DurationSeconds)
	}
	if t.To == domain.CallStatusMissed {
		s.notifyMissedCall(call)
	}
	return nil
}

// transition performs the compare-and-set write. A lost race is InvalidState.
func (s *Service) transition(ctx context.Context, call *domain.Call, action Action, t domain.Transition) error {
	applied, err := s.calls.ApplyTransition(ctx, call.SessionID, t)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if !applied {
		s.metrics.RecordTransitionConflict(string(action))
		logger.FromContext(ctx).Warn("Call transition lost race",
			zap.String("session_id", call.SessionID),
			zap.String("action", string(action)),
			zap.String("expected_status", string(t.From)))
		return apperrors.InvalidStateError(fmt.Sprintf("Call is no longer %s", t.From))
	}

	s.invalidateIncoming(call.ResponderID)
	s.metrics.RecordTransition(string(t.From), string(t.To))
	s.metrics.RecordCall(string(t.To))

	logger.FromContext(ctx).Info("Call transitioned",
		zap.String("session_id", call.SessionID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)))
	return nil
}

// StatusResult is a call snapshot plus at most one signal for the caller
type StatusResult struct {
	Call   *domain.Call
	Signal *domain.Signal
}

// GetCallStatus returns the call and pops the next pending signal addressed
// to the caller's role on it
func (s *Service) GetCallStatus(ctx context.Context, caller domain.Participant, sessionID string) (*StatusResult, error) {
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !CanPerform(ActionGetStatus, caller.Role, caller.ID, call) {
		return nil, apperrors.UnauthorizedError("Only call participants can read the call")
	}

	signal, err := s.mailbox.PopNext(ctx, call, call.RoleOf(caller.ID))
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if signal != nil {
		s.metrics.RecordSignal("delivered")
	}

	return &StatusResult{Call: call, Signal: signal}, nil
}

// WatchCall authorizes a signal subscription and returns the live call.
// Polling GetCallStatus still performs delivery.
func (s *Service) WatchCall(ctx context.Context, caller domain.Participant, sessionID string) (*domain.Call, error) {
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !CanPerform(ActionGetStatus, caller.Role, caller.ID, call) {
		return nil, apperrors.UnauthorizedError("Only call participants can watch the call")
	}
	if call.Status.IsTerminal() {
		return nil, invalidTransition(call.Status, "watch")
	}
	return call, nil
}

// SendSignal relays an opaque payload to the other participant
func (s *Service) SendSignal(ctx context.Context, caller domain.Participant, sessionID string, payload json.RawMessage) (*domain.Signal, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !CanPerform(ActionSendSignal, caller.Role, caller.ID, call) {
		return nil, apperrors.UnauthorizedError("Only call participants can send signals")
	}
	if call.Status.IsTerminal() {
		return nil, invalidTransition(call.Status, ActionSendSignal)
	}

	signal := &domain.Signal{
		CallID:        call.CallID,
		SessionID:     sessionID,
		SenderID:      caller.ID,
		RecipientRole: call.RoleOf(caller.ID).Opposite(),
		Payload:       payload,
		CreatedAt:     s.now().UTC(),
	}

	if err := s.mailbox.Enqueue(ctx, signal); err != nil {
		if errors.Is(err, repository.ErrCallNotLive) {
			return nil, apperrors.InvalidStateError("Call has already finished")
		}
		if errors.Is(err, repository.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	s.metrics.RecordSignal("enqueued")
	return signal, nil
}

// ListIncomingCalls returns ringing calls for the doctor, newest first
func (s *Service) ListIncomingCalls(ctx context.Context, caller domain.Participant) ([]*domain.Call, error) {
	if !CanPerform(ActionListIncoming, caller.Role, caller.ID, nil) {
		return nil, apperrors.UnauthorizedError("Only doctors have incoming calls")
	}

	key := incomingCacheKey(caller.ID)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			if calls, ok := cached.([]*domain.Call); ok {
				return calls, nil
			}
		}
	}

	calls, err := s.calls.ListRinging(ctx, caller.ID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	if s.cache != nil {
		s.cache.Set(key, calls, s.opts.IncomingCacheTTL)
	}
	return calls, nil
}

// ListCallHistory returns calls the caller took part in, newest first
func (s *Service) ListCallHistory(ctx context.Context, caller domain.Participant, limit, offset int) ([]*domain.Call, error) {
	if !CanPerform(ActionListHistory, caller.Role, caller.ID, nil) {
		return nil, apperrors.UnauthorizedError("Only patients and doctors have call history")
	}

	if limit <= 0 {
		limit = s.opts.HistoryDefaultSize
	}
	if limit > s.opts.HistoryMaxSize {
		limit = s.opts.HistoryMaxSize
	}
	if offset < 0 {
		offset = 0
	}

	calls, err := s.calls.ListByParticipant(ctx, caller.ID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}

// DeleteCall removes one call and its signals from the doctor's history
func (s *Service) DeleteCall(ctx context.Context, caller domain.Participant, callID uuid.UUID) (*domain.DeleteResult, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, repository.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	if !CanPerform(ActionDelete, caller.Role, caller.ID, call) {
		return nil, apperrors.UnauthorizedError("Only the called doctor can delete this call")
	}

	result, err := s.calls.Delete(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return s.afterDelete(ctx, caller, result), nil
}

// ClearHistory removes every finished call where the doctor was the responder
func (s *Service) ClearHistory(ctx context.Context, caller domain.Participant) (*domain.DeleteResult, error) {
	if !CanPerform(ActionClearHistory, caller.Role, caller.ID, nil) {
		return nil, apperrors.UnauthorizedError("Only doctors can clear call history")
	}

	result, err := s.calls.DeleteTerminalByResponder(ctx, caller.ID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return s.afterDelete(ctx, caller, result), nil
}

// afterDelete drops mailbox contents kept outside the ledger. Mailboxes are
// keyed by call id, so anything left behind on failure is never read by a
// later call with the same session id and expires with the mailbox TTL.
func (s *Service) afterDelete(ctx context.Context, caller domain.Participant, result *domain.DeleteResult) *domain.DeleteResult {
	if len(result.Removed) > 0 {
		removed, err := s.mailbox.DeleteForCalls(ctx, result.Removed)
		if err != nil {
			logger.FromContext(ctx).Warn("Failed to purge signal mailboxes",
				zap.Int("calls", len(result.Removed)),
				zap.Error(err))
		}
		result.Signals += removed
	}

	s.invalidateIncoming(caller.ID)

	logger.FromContext(ctx).Info("Call history deleted",
		zap.String("responder_id", caller.ID.String()),
		zap.Int64("calls", result.Calls),
		zap.Int64("signals", result.Signals))
	return result
}

// notifyMissedCall tells the doctor about the missed call without blocking
// the caller. Failures are logged only.
func (s *Service) notifyMissedCall(call *domain.Call) {
	if s.notifier == nil {
		return
	}

	missed := &domain.MissedCall{
		SessionID:   call.SessionID,
		Doctor:      domain.ParticipantProfile{ID: call.ResponderID, Role: domain.RoleDoctor},
		PatientName: call.InitiatorName,
		StartedAt:   call.StartedAt,
	}

	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout)
		defer cancel()

		if s.participants != nil {
			if profile, err := s.participants.GetProfile(ctx, call.ResponderID); err == nil {
				missed.Doctor = *profile
			} else {
				logger.Warn("Failed to load doctor profile for missed call",
					zap.String("session_id", missed.SessionID),
					zap.Error(err))
			}

			// Tokens without a display name leave InitiatorName empty
			if missed.PatientName == "" {
				if profile, err := s.participants.GetProfile(ctx, call.InitiatorID); err == nil {
					missed.PatientName = profile.DisplayName
				} else {
					logger.Warn("Failed to load patient profile for missed call",
						zap.String("session_id", missed.SessionID),
						zap.Error(err))
				}
			}
		}

		result, err := s.notifier.NotifyMissedCall(ctx, missed)
		if err != nil {
			s.metrics.RecordMissedCallNotification("failed")
			logger.Error("Failed to notify doctor of missed call",
				zap.String("session_id", missed.SessionID),
				zap.String("doctor_id", missed.Doctor.ID.String()),
				zap.Error(err))
			return
		}

		s.metrics.RecordMissedCallNotification("sent")
		logger.Info("Missed call notification sent",
			zap.String("session_id", missed.SessionID),
			zap.Int("push_sent", result.PushSent),
			zap.Bool("email_sent", result.EmailSent))
	}()
}

func (s *Service) load(ctx context.Context, sessionID string) (*domain.Call, error) {
	if sessionID == "" {
		return nil, apperrors.ValidationError("session_id is required")
	}

	call, err := s.calls.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return call, nil
}

func (s *Service) invalidateIncoming(responderID uuid.UUID) {
	if s.cache != nil {
		s.cache.Delete(incomingCacheKey(responderID))
	}
}

func incomingCacheKey(responderID uuid.UUID) string {
	return "calls:incoming:" + responderID.String()
}

func invalidTransition(status domain.CallStatus, action Action) error {
	verb := strings.ReplaceAll(string(action), "_", " ")
	return apperrors.InvalidStateError(fmt.Sprintf("Call is %s; %s is not allowed", status, verb))
}

// validateSessionID rejects ids the call routes could never address again
func validateSessionID(sessionID string) error {
	if sessionID == "" || len(sessionID) > maxSessionIDLength {
		return apperrors.ValidationError("session_id is required and must be at most 128 characters")
	}
	if reservedSessionIDs[sessionID] {
		return apperrors.ValidationError(fmt.Sprintf("session_id %q is reserved", sessionID))
	}
	if strings.ContainsAny(sessionID, "/?#") {
		return apperrors.ValidationError("session_id must not contain '/', '?' or '#'")
	}
	return nil
}

func validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 || string(payload) == "null" {
		return apperrors.ValidationError("payload is required")
	}
	if len(payload) > maxSignalBytes {
		return apperrors.ValidationError("payload exceeds 64KiB")
	}
	if !json.Valid(payload) {
		return apperrors.ValidationError("payload must be valid JSON")
	}
	return nil
}

func durationSince(answeredAt *time.Time, now time.Time) int {
	if answeredAt == nil {
		return 0
	}
	d := int(now.Sub(*answeredAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

func stampTerminal(call *domain.Call, status domain.CallStatus, at time.Time, duration int) {
	call.Status = status
	call.EndedAt = &at
	call.DurationSeconds = &duration
}
