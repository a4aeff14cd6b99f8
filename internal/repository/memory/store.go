// Package memory provides process-local implementations of the call ledger,
// signal mailbox, relationship and participant directories. It backs the
// service in limited mode when the database is unreachable and is the store
// used by the coordinator tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wellcall-backend/internal/domain"
	"wellcall-backend/internal/repository"
)

type relationshipKey struct {
	patientID uuid.UUID
	doctorID  uuid.UUID
}

// Store holds every call, signal and relationship behind one mutex.
// Each method is atomic with respect to the others.
type Store struct {
	mu            sync.Mutex
	calls         map[string]*domain.Call // by session id
	signals       map[uuid.UUID][]*domain.Signal // by call id
	relationships map[relationshipKey]bool
	profiles      map[uuid.UUID]*domain.ParticipantProfile
	nextSignalID  int64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		calls:         make(map[string]*domain.Call),
		signals:       make(map[uuid.UUID][]*domain.Signal),
		relationships: make(map[relationshipKey]bool),
		profiles:      make(map[uuid.UUID]*domain.ParticipantProfile),
	}
}

// Create inserts a new call
func (s *Store) Create(ctx context.Context, call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[call.SessionID]; exists {
		return repository.ErrSessionExists
	}
	s.calls[call.SessionID] = copyCall(call)
	return nil
}

// GetBySessionID retrieves a call by session id
func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[sessionID]
	if !ok {
		return nil, repository.ErrCallNotFound
	}
	return copyCall(call), nil
}

// GetByID retrieves a call by call id
func (s *Store) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, call := range s.calls {
		if call.CallID == callID {
			return copyCall(call), nil
		}
	}
	return nil, repository.ErrCallNotFound
}

// ApplyTransition changes status only when the call is still in t.From
func (s *Store) ApplyTransition(ctx context.Context, sessionID string, t domain.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[sessionID]
	if !ok || call.Status != t.From {
		return false, nil
	}

	at := t.At
	if t.To == domain.CallStatusActive {
		if call.AnsweredAt != nil {
			return false, nil
		}
		call.AnsweredAt = &at
	} else {
		if call.EndedAt != nil {
			return false, nil
		}
		duration := t.DurationSeconds
		call.EndedAt = &at
		call.DurationSeconds = &duration
	}
	call.Status = t.To
	return true, nil
}

// ListRinging returns ringing calls for the responder, newest first
func (s *Store) ListRinging(ctx context.Context, responderID uuid.UUID) ([]*domain.Call, error) {
	return s.filter(func(c *domain.Call) bool {
		return c.ResponderID == responderID && c.Status == domain.CallStatusRinging
	}, false), nil
}

// ListByParticipant returns a page of calls the participant took part in
func (s *Store) ListByParticipant(ctx context.Context, participantID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	calls := s.filter(func(c *domain.Call) bool {
		return c.IsParticipant(participantID)
	}, false)

	if offset >= len(calls) {
		return []*domain.Call{}, nil
	}
	calls = calls[offset:]
	if limit < len(calls) {
		calls = calls[:limit]
	}
	return calls, nil
}

// ListStale returns calls in status that started before the cutoff, oldest first
func (s *Store) ListStale(ctx context.Context, status domain.CallStatus, startedBefore time.Time) ([]*domain.Call, error) {
	return s.filter(func(c *domain.Call) bool {
		return c.Status == status && c.StartedAt.Before(startedBefore)
	}, true), nil
}

// Delete removes one call and its signals
func (s *Store) Delete(ctx context.Context, callID uuid.UUID) (*domain.DeleteResult, error) {
	return s.deleteWhere(func(c *domain.Call) bool { return c.CallID == callID }), nil
}

// DeleteTerminalByResponder removes every finished call of the doctor with its signals
func (s *Store) DeleteTerminalByResponder(ctx context.Context, responderID uuid.UUID) (*domain.DeleteResult, error) {
	return s.deleteWhere(func(c *domain.Call) bool {
		return c.ResponderID == responderID && c.Status.IsTerminal()
	}), nil
}

func (s *Store) deleteWhere(match func(*domain.Call) bool) *domain.DeleteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &domain.DeleteResult{Removed: []domain.CallRef{}}
	for sessionID, call := range s.calls {
		if !match(call) {
			continue
		}
		result.Calls++
		result.Signals += int64(len(s.signals[call.CallID]))
		result.Removed = append(result.Removed, domain.CallRef{CallID: call.CallID, SessionID: sessionID})
		delete(s.calls, sessionID)
		delete(s.signals, call.CallID)
	}
	return result
}

func (s *Store) filter(match func(*domain.Call) bool, oldestFirst bool) []*domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := []*domain.Call{}
	for _, call := range s.calls {
		if match(call) {
			calls = append(calls, copyCall(call))
		}
	}
	sort.Slice(calls, func(i, j int) bool {
		if oldestFirst {
			return calls[i].StartedAt.Before(calls[j].StartedAt)
		}
		return calls[i].StartedAt.After(calls[j].StartedAt)
	})
	return calls
}

// Enqueue appends an undelivered signal and assigns its id. The call must
// still be ringing or active, and must be the call the signal was sent on.
func (s *Store) Enqueue(ctx context.Context, signal *domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[signal.SessionID]
	if !ok {
		return repository.ErrCallNotFound
	}
	if call.CallID != signal.CallID || call.Status.IsTerminal() {
		return repository.ErrCallNotLive
	}

	s.nextSignalID++
	signal.ID = s.nextSignalID
	signal.Delivered = false

	stored := *signal
	s.signals[call.CallID] = append(s.signals[call.CallID], &stored)
	return nil
}

// PopNext returns the earliest undelivered signal for the role and marks it delivered
func (s *Store) PopNext(ctx context.Context, call *domain.Call, role domain.Role) (*domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.Signal
	for _, signal := range s.signals[call.CallID] {
		if signal.Delivered || signal.RecipientRole != role {
			continue
		}
		if next == nil || signal.CreatedAt.Before(next.CreatedAt) ||
			(signal.CreatedAt.Equal(next.CreatedAt) && signal.ID < next.ID) {
			next = signal
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Delivered = true
	popped := *next
	return &popped, nil
}

// DeleteForCalls removes any signals left for the calls
func (s *Store) DeleteForCalls(ctx context.Context, calls []domain.CallRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for _, ref := range calls {
		removed += int64(len(s.signals[ref.CallID]))
		delete(s.signals, ref.CallID)
	}
	return removed, nil
}

// Connect records an active care relationship
func (s *Store) Connect(ctx context.Context, patientID, doctorID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.relationships[relationshipKey{patientID, doctorID}] = true
	return nil
}

// IsActivelyConnected reports whether the relationship is active
func (s *Store) IsActivelyConnected(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.relationships[relationshipKey{patientID, doctorID}], nil
}

// PutProfile stores a participant profile
func (s *Store) PutProfile(profile *domain.ParticipantProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *profile
	s.profiles[profile.ID] = &stored
}

// GetProfile returns the stored profile or a bare one carrying only the id
func (s *Store) GetProfile(ctx context.Context, id uuid.UUID) (*domain.ParticipantProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if profile, ok := s.profiles[id]; ok {
		stored := *profile
		return &stored, nil
	}
	return &domain.ParticipantProfile{ID: id}, nil
}

func copyCall(c *domain.Call) *domain.Call {
	out := *c
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.DurationSeconds != nil {
		d := *c.DurationSeconds
		out.DurationSeconds = &d
	}
	return &out
}
