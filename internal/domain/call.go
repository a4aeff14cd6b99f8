package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of a consultation a participant is on
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Opposite returns the peer role on a call. Admin has no peer.
func (r Role) Opposite() Role {
	switch r {
	case RolePatient:
		return RoleDoctor
	case RoleDoctor:
		return RolePatient
	}
	return ""
}

// IsCallParty reports whether the role can be on either end of a call
func (r Role) IsCallParty() bool {
	return r == RolePatient || r == RoleDoctor
}

// CallStatus is the lifecycle state of a call
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusRejected CallStatus = "rejected"
	CallStatusMissed   CallStatus = "missed"
	CallStatusEnded    CallStatus = "ended"
)

// IsTerminal reports whether no further transition is allowed
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusRejected || s == CallStatusMissed || s == CallStatusEnded
}

// Call represents one video consultation attempt between a patient and a doctor
type Call struct {
	CallID          uuid.UUID  `json:"call_id"`
	SessionID       string     `json:"session_id"`
	InitiatorID     uuid.UUID  `json:"initiator_id"` // patient
	InitiatorName   string     `json:"initiator_name,omitempty"`
	ResponderID     uuid.UUID  `json:"responder_id"` // doctor
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
}

// RoleOf returns the role the participant holds on this call, or "" if none
func (c *Call) RoleOf(participantID uuid.UUID) Role {
	switch participantID {
	case c.InitiatorID:
		return RolePatient
	case c.ResponderID:
		return RoleDoctor
	}
	return ""
}

// IsParticipant reports whether the participant is one of the two parties
func (c *Call) IsParticipant(participantID uuid.UUID) bool {
	return c.RoleOf(participantID) != ""
}

// Signal is one opaque negotiation payload (SDP offer/answer, ICE candidate)
// addressed to the peer holding RecipientRole on the call
type Signal struct {
	ID            int64           `json:"id"`
	CallID        uuid.UUID       `json:"call_id"`
	SessionID     string          `json:"session_id"`
	SenderID      uuid.UUID       `json:"sender_id"`
	RecipientRole Role            `json:"recipient_role"`
	Payload       json.RawMessage `json:"payload"`
	Delivered     bool            `json:"delivered"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Participant is the identity established for a request by the session store
type Participant struct {
	ID          uuid.UUID `json:"id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name,omitempty"`
}

// ParticipantProfile holds what the notifier needs to reach a participant
type ParticipantProfile struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
}

// CallRef names a deleted call to mailboxes kept outside the ledger
type CallRef struct {
	CallID    uuid.UUID
	SessionID string
}

// DeleteResult counts rows removed by a history delete
type DeleteResult struct {
	Calls   int64     `json:"calls"`
	Signals int64     `json:"signals"`
	Removed []CallRef `json:"-"`
}

// Transition is a conditional status change applied only while the call is
// still in From. Moving to active stamps AnsweredAt; moving to a terminal
// status stamps EndedAt and DurationSeconds.
type Transition struct {
	From            CallStatus
	To              CallStatus
	At              time.Time
	DurationSeconds int
}

// MissedCall is what the notifier tells a doctor about a call nobody answered
type MissedCall struct {
	SessionID   string
	Doctor      ParticipantProfile
	PatientName string
	StartedAt   time.Time
}

// NotifyResult reports which notification channels reached the doctor
type NotifyResult struct {
	PushSent  int  `json:"push_sent"`
	PushFail  int  `json:"push_failed"`
	EmailSent bool `json:"email_sent"`
}
