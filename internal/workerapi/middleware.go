// Package workerapi is the worker plane's private HTTP surface (component
// D): one handler per driver operation, guarded by the action-token
// middleware, serialized per tenant via tenantlock.
package workerapi

import (
	"github.com/gin-gonic/gin"

	"github.com/nexus-run/orchestrator/internal/actiontoken"
	"github.com/nexus-run/orchestrator/internal/apierr"
)

// RequireAction verifies the bearer action token and rejects any request
// whose token doesn't name exactly this action and exactly the tenant in
// the path — a token minted for "start" cannot be replayed against
// "delete", and a token for tenant A cannot be used against tenant B's
// route, per spec.md §4.D.
func RequireAction(action, verifyKey, verifyKeyPrevious string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			apierr.Abort(c, apierr.NewAuthorization("missing_bearer_token", "missing bearer token"))
			return
		}
		token := header[len(prefix):]

		claims, err := actiontoken.Verify(token, verifyKey, verifyKeyPrevious)
		if err != nil {
			apierr.Abort(c, apierr.NewAuthorization("invalid_token", "invalid or expired action token"))
			return
		}
		if claims.Action != action {
			apierr.Abort(c, apierr.NewForbidden("forbidden", "token not valid for this action"))
			return
		}
		if claims.TenantID != c.Param("id") {
			apierr.Abort(c, apierr.NewForbidden("forbidden", "token not valid for this tenant"))
			return
		}
		c.Next()
	}
}
