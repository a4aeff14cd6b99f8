package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wellcall-backend/internal/domain"
	"wellcall-backend/pkg/jwt"
	"wellcall-backend/pkg/logger"
	"wellcall-backend/pkg/response"
)

const participantKey = "participant"

// RevocationChecker defines interface for checking if a token is revoked (blacklisted)
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error)
}

// AuthMiddleware validates the bearer token and stores the caller's
// domain.Participant in the Gin context. revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			response.Unauthenticated(c, "Invalid token")
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), claims)
			if err != nil {
				// Fail-open: the signature is already verified and Redis may be degraded
				logger.Warn("Token revocation check failed",
					zap.String("participant_id", claims.ParticipantID.String()),
					zap.Error(err))
			} else if revoked {
				response.Unauthenticated(c, "Token revoked")
				c.Abort()
				return
			}
		}

		c.Request = c.Request.WithContext(
			logger.WithParticipantID(c.Request.Context(), claims.ParticipantID.String()))
		c.Set(participantKey, domain.Participant{
			ID:          claims.ParticipantID,
			Role:        domain.Role(claims.Role),
			DisplayName: claims.DisplayName,
		})
		c.Next()
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a WebSocket handshake, so upgrades may pass ?access_token= instead.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			if token := c.Query("access_token"); token != "" {
				return token, true
			}
		}
		response.Unauthenticated(c, "Authorization header required")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		response.Unauthenticated(c, "Invalid authorization header format")
		return "", false
	}
	return parts[1], true
}

// GetParticipant returns the authenticated caller set by AuthMiddleware
func GetParticipant(c *gin.Context) (domain.Participant, bool) {
	value, exists := c.Get(participantKey)
	if !exists {
		return domain.Participant{}, false
	}
	participant, ok := value.(domain.Participant)
	return participant, ok
}

// SetParticipant stores a caller in the context. Used by tests and by
// alternative authenticators.
func SetParticipant(c *gin.Context, participant domain.Participant) {
	c.Set(participantKey, participant)
}
