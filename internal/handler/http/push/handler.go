package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wellcall-backend/internal/middleware"
	"wellcall-backend/pkg/logger"
	"wellcall-backend/pkg/push"
	"wellcall-backend/pkg/response"
)

// Handler registers the devices that receive missed-call alerts
type Handler struct {
	pushService *push.Service
}

// NewHandler creates a new push notification handler
func NewHandler(pushService *push.Service) *Handler {
	return &Handler{
		pushService: pushService,
	}
}

// RegisterRoutes mounts the push token routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	tokens := rg.Group("/push/tokens")
	tokens.POST("", h.RegisterToken)
	tokens.DELETE("/:token", h.UnregisterToken)
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required,max=4096"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterToken registers a device for the authenticated participant
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	caller, ok := middleware.GetParticipant(c)
	if !ok {
		response.Unauthenticated(c, "Not authenticated")
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		UserID:   caller.ID,
		Token:    req.Token,
		Type:     req.Type,
		Platform: req.Platform,
	}
	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token",
			zap.String("participant_id", caller.ID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to register push token")
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"registered": true})
}

// UnregisterToken removes a device of the authenticated participant
// DELETE /v1/push/tokens/:token
func (h *Handler) UnregisterToken(c *gin.Context) {
	caller, ok := middleware.GetParticipant(c)
	if !ok {
		response.Unauthenticated(c, "Not authenticated")
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), caller.ID, c.Param("token")); err != nil {
		response.InternalError(c, "Failed to unregister push token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"unregistered": true})
}
