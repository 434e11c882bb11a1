package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/auth"
)

// Context keys for storing session claims in gin.Context.
const (
	ContextKeyUserID = "user_id"
)

// AuthMiddleware validates a session access token on the Authorization
// header and stores the user ID in the request context. Requests bearing a
// refresh token on an endpoint that expects access are rejected — refresh
// tokens are only ever accepted by /v1/auth/refresh.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			apierr.Abort(c, apierr.NewAuthorization("missing_authorization", "missing authorization header"))
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			apierr.Abort(c, apierr.NewAuthorization("invalid_authorization_format", "expected: Bearer <token>"))
			return
		}

		claims, err := auth.ParseToken(parts[1], secret)
		if err != nil {
			apierr.Abort(c, apierr.NewAuthorization("invalid_token", "invalid or expired token"))
			return
		}
		if claims.Type != auth.TokenAccess {
			apierr.Abort(c, apierr.NewAuthorization("wrong_token_type", "an access token is required"))
			return
		}

		c.Set(ContextKeyUserID, claims.Subject)
		c.Next()
	}
}

// GetUserID extracts the authenticated user ID set by AuthMiddleware. Empty
// means no middleware ran ahead of this handler — a wiring bug, not a
// client error.
func GetUserID(c *gin.Context) string {
	val, exists := c.Get(ContextKeyUserID)
	if !exists {
		return ""
	}
	id, ok := val.(string)
	if !ok {
		return ""
	}
	return id
}
