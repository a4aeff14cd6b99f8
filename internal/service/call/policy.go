package call

import (
	"github.com/google/uuid"

	"wellcall-backend/internal/domain"
)

// Action names an operation subject to the authorization policy
type Action string

const (
	ActionInitiate     Action = "initiate"
	ActionGetStatus    Action = "get_status"
	ActionAnswer       Action = "answer"
	ActionReject       Action = "reject"
	ActionEnd          Action = "end"
	ActionSendSignal   Action = "send_signal"
	ActionListIncoming Action = "list_incoming"
	ActionListHistory  Action = "history"
	ActionDelete       Action = "delete"
	ActionClearHistory Action = "clear_history"
)

// CanPerform is the single authorization matrix for call operations.
// call is nil for actions that do not target an existing call.
//
//	initiate                         patient
//	get_status, end, send_signal     participant whose role on the call matches
//	answer, reject, delete           doctor who is the call's responder
//	list_incoming, clear_history     doctor
//	history                          patient or doctor
func CanPerform(action Action, role domain.Role, callerID uuid.UUID, call *domain.Call) bool {
	if callerID == uuid.Nil {
		return false
	}

	switch action {
	case ActionInitiate:
		return role == domain.RolePatient

	case ActionListIncoming, ActionClearHistory:
		return role == domain.RoleDoctor

	case ActionListHistory:
		return role.IsCallParty()

	case ActionGetStatus, ActionEnd, ActionSendSignal:
		if call == nil || !role.IsCallParty() {
			return false
		}
		return call.RoleOf(callerID) == role

	case ActionAnswer, ActionReject, ActionDelete:
		if call == nil || role != domain.RoleDoctor {
			return false
		}
		return call.ResponderID == callerID
	}

	return false
}
