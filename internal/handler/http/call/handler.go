package call

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"wellcall-backend/internal/domain"
	"wellcall-backend/internal/middleware"
	"wellcall-backend/internal/service/call"
	"wellcall-backend/pkg/response"
)

// Handler handles call relay HTTP requests
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// RegisterRoutes mounts every call route on an authenticated group.
// Static segments win over :session_id, so InitiateCall refuses "incoming"
// and "history" as session ids.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("", h.InitiateCall)
	calls.GET("/incoming", h.ListIncomingCalls)
	calls.GET("/history", h.ListCallHistory)
	calls.DELETE("/history", h.ClearHistory)
	calls.DELETE("/history/:call_id", h.DeleteCall)
	calls.GET("/:session_id", h.GetCallStatus)
	calls.POST("/:session_id/answer", h.AnswerCall)
	calls.POST("/:session_id/reject", h.RejectCall)
	calls.POST("/:session_id/end", h.EndCall)
	calls.POST("/:session_id/signals", h.SendSignal)
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	DoctorID  string `json:"doctor_id" binding:"required,uuid"`
	SessionID string `json:"session_id" binding:"required,max=128"`
}

// SendSignalRequest carries one opaque negotiation payload
type SendSignalRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// CallView is the wire form of a call. Timestamps are unix milliseconds.
type CallView struct {
	CallID          uuid.UUID         `json:"call_id"`
	SessionID       string            `json:"session_id"`
	InitiatorID     uuid.UUID         `json:"initiator_id"`
	InitiatorName   string            `json:"initiator_name,omitempty"`
	ResponderID     uuid.UUID         `json:"responder_id"`
	Status          domain.CallStatus `json:"status"`
	StartedAt       int64             `json:"started_at"`
	AnsweredAt      *int64            `json:"answered_at,omitempty"`
	EndedAt         *int64            `json:"ended_at,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
}

// SignalView is the wire form of a delivered signal
type SignalView struct {
	ID        int64           `json:"id"`
	SenderID  uuid.UUID       `json:"sender_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// InitiateCall starts a new call
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		response.ValidationError(c, "Invalid doctor ID")
		return
	}

	created, err := h.callService.InitiateCall(c.Request.Context(), caller, &call.InitiateCallInput{
		DoctorID:  doctorID,
		SessionID: req.SessionID,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"session_id": created.SessionID,
		"call":       toCallView(created),
	})
}

// GetCallStatus returns the call and at most one pending signal for the caller
// GET /v1/calls/:session_id
func (h *Handler) GetCallStatus(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	result, err := h.callService.GetCallStatus(c.Request.Context(), caller, c.Param("session_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	data := gin.H{
		"status": result.Call.Status,
		"call":   toCallView(result.Call),
	}
	if result.Signal != nil {
		data["signal"] = SignalView{
			ID:        result.Signal.ID,
			SenderID:  result.Signal.SenderID,
			Payload:   result.Signal.Payload,
			CreatedAt: result.Signal.CreatedAt.UnixMilli(),
		}
	}

	response.Success(c, http.StatusOK, data)
}

// AnswerCall accepts a ringing call
// POST /v1/calls/:session_id/answer
func (h *Handler) AnswerCall(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	result, err := h.callService.AnswerCall(c.Request.Context(), caller, c.Param("session_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"already_active": result.AlreadyActive,
		"status":         result.Call.Status,
	})
}

// RejectCall declines a ringing call
// POST /v1/calls/:session_id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	rejected, err := h.callService.RejectCall(c.Request.Context(), caller, c.Param("session_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": rejected.Status})
}

// EndCall hangs up from either side
// POST /v1/calls/:session_id/end
func (h *Handler) EndCall(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	ended, err := h.callService.EndCall(c.Request.Context(), caller, c.Param("session_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"status":   ended.Status,
		"duration": lo.FromPtr(ended.DurationSeconds),
	})
}

// SendSignal relays a payload to the other participant
// POST /v1/calls/:session_id/signals
func (h *Handler) SendSignal(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	var req SendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	signal, err := h.callService.SendSignal(c.Request.Context(), caller, c.Param("session_id"), req.Payload)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"signal_id": signal.ID})
}

// ListIncomingCalls returns ringing calls for the doctor
// GET /v1/calls/incoming
func (h *Handler) ListIncomingCalls(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	calls, err := h.callService.ListIncomingCalls(c.Request.Context(), caller)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": lo.Map(calls, toCallViewAt)})
}

// ListCallHistory returns a page of the caller's calls
// GET /v1/calls/history?limit=20&offset=0
func (h *Handler) ListCallHistory(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	calls, err := h.callService.ListCallHistory(c.Request.Context(), caller, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": lo.Map(calls, toCallViewAt)})
}

// DeleteCall removes one call from the doctor's history
// DELETE /v1/calls/history/:call_id
func (h *Handler) DeleteCall(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	callID, err := uuid.Parse(c.Param("call_id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	result, err := h.callService.DeleteCall(c.Request.Context(), caller, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// ClearHistory removes every finished call of the doctor
// DELETE /v1/calls/history
func (h *Handler) ClearHistory(c *gin.Context) {
	caller, ok := participant(c)
	if !ok {
		return
	}

	result, err := h.callService.ClearHistory(c.Request.Context(), caller)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

func participant(c *gin.Context) (domain.Participant, bool) {
	caller, ok := middleware.GetParticipant(c)
	if !ok {
		response.Unauthenticated(c, "Not authenticated")
		return domain.Participant{}, false
	}
	return caller, true
}

func toCallViewAt(c *domain.Call, _ int) CallView {
	return toCallView(c)
}

func toCallView(c *domain.Call) CallView {
	view := CallView{
		CallID:          c.CallID,
		SessionID:       c.SessionID,
		InitiatorID:     c.InitiatorID,
		InitiatorName:   c.InitiatorName,
		ResponderID:     c.ResponderID,
		Status:          c.Status,
		StartedAt:       c.StartedAt.UnixMilli(),
		DurationSeconds: c.DurationSeconds,
	}
	if c.AnsweredAt != nil {
		view.AnsweredAt = lo.ToPtr(c.AnsweredAt.UnixMilli())
	}
	if c.EndedAt != nil {
		view.EndedAt = lo.ToPtr(c.EndedAt.UnixMilli())
	}
	return view
}
