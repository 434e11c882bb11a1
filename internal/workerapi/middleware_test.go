package workerapi

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-run/orchestrator/internal/actiontoken"
)

func newRequireActionContext(authHeader, tenantID string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/internal/tenants/"+tenantID+"/start", nil)
	if authHeader != "" {
		c.Request.Header.Set("Authorization", authHeader)
	}
	c.Params = gin.Params{{Key: "id", Value: tenantID}}
	return c, w
}

func TestRequireActionAcceptsMatchingTenantAndAction(t *testing.T) {
	token, err := actiontoken.Sign("tenant-1", "start", "current-key", time.Minute)
	require.NoError(t, err)

	c, w := newRequireActionContext("Bearer "+token, "tenant-1")
	called := false
	RequireAction("start", "current-key", "")(c)
	if !c.IsAborted() {
		called = true
	}

	assert.True(t, called)
	assert.NotEqual(t, 401, w.Code)
}

func TestRequireActionRejectsMismatchedAction(t *testing.T) {
	token, err := actiontoken.Sign("tenant-1", "start", "current-key", time.Minute)
	require.NoError(t, err)

	c, w := newRequireActionContext("Bearer "+token, "tenant-1")
	RequireAction("delete", "current-key", "")(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, 403, w.Code)
}

func TestRequireActionRejectsMismatchedTenant(t *testing.T) {
	token, err := actiontoken.Sign("tenant-1", "start", "current-key", time.Minute)
	require.NoError(t, err)

	c, w := newRequireActionContext("Bearer "+token, "tenant-2")
	RequireAction("start", "current-key", "")(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, 403, w.Code)
}

func TestRequireActionRejectsMissingBearer(t *testing.T) {
	c, w := newRequireActionContext("", "tenant-1")
	RequireAction("start", "current-key", "")(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, 401, w.Code)
}

func TestRequireActionAcceptsPreviousKeyDuringRotation(t *testing.T) {
	token, err := actiontoken.Sign("tenant-1", "start", "old-key", time.Minute)
	require.NoError(t, err)

	c, w := newRequireActionContext("Bearer "+token, "tenant-1")
	RequireAction("start", "new-key", "old-key")(c)

	assert.False(t, c.IsAborted())
	assert.NotEqual(t, 401, w.Code)
}
