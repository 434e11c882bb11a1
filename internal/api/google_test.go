package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGoogleHandler(t *testing.T) (*GoogleHandler, *fakeTenantRepo, *fakeSecretRepo) {
	t.Helper()
	tenants := newFakeTenantRepo()
	secrets := newFakeSecretRepo()
	eventBus, _ := newTestBus(t)
	h := NewGoogleHandler(tenants, secrets, eventBus, "client-id", "https://app.example.com/oauth/callback", "https://app.example.com", zap.NewNop())
	return h, tenants, secrets
}

func TestGoogleConnectStartRejectsDisallowedOrigin(t *testing.T) {
	h, tenants, _ := newTestGoogleHandler(t)
	seedTenant(t, tenants, "user-1", "tenant-1")

	c, w := newTestContext("POST", "/v1/tenants/tenant-1/google/connect/start", nil)
	withAuthedTenantParam(c, "user-1", "tenant-1")
	c.Request.Header.Set("Origin", "https://evil.example.com")
	h.ConnectStart(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGoogleConnectStartBuildsConsentURL(t *testing.T) {
	h, tenants, _ := newTestGoogleHandler(t)
	seedTenant(t, tenants, "user-1", "tenant-1")

	c, w := newTestContext("POST", "/v1/tenants/tenant-1/google/connect/start", nil)
	withAuthedTenantParam(c, "user-1", "tenant-1")
	c.Request.Header.Set("Origin", "https://app.example.com")
	h.ConnectStart(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["url"], googleAuthURL)
	assert.Contains(t, resp["url"], "client_id=client-id")
	assert.Contains(t, resp["url"], "state=tenant-1")
}

func TestGoogleStatusReflectsSecretBlob(t *testing.T) {
	h, tenants, secrets := newTestGoogleHandler(t)
	seedTenant(t, tenants, "user-1", "tenant-1")
	require.NoError(t, secrets.Create(nil, "tenant-1", "bridge-secret"))

	c, w := newTestContext("GET", "/v1/tenants/tenant-1/google/status", nil)
	withAuthedTenantParam(c, "user-1", "tenant-1")
	h.Status(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp googleStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Connected)

	require.NoError(t, secrets.SetGoogleTokens(nil, "tenant-1", []byte("ciphertext"), []string{"gmail.readonly"}))

	c2, w2 := newTestContext("GET", "/v1/tenants/tenant-1/google/status", nil)
	withAuthedTenantParam(c2, "user-1", "tenant-1")
	h.Status(c2)
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &resp))
	assert.True(t, resp.Connected)
}

func TestGoogleDisconnectClearsTokens(t *testing.T) {
	h, tenants, secrets := newTestGoogleHandler(t)
	seedTenant(t, tenants, "user-1", "tenant-1")
	require.NoError(t, secrets.Create(nil, "tenant-1", "bridge-secret"))
	require.NoError(t, secrets.SetGoogleTokens(nil, "tenant-1", []byte("ciphertext"), []string{"gmail.readonly"}))

	c, w := newTestContext("POST", "/v1/tenants/tenant-1/google/disconnect", nil)
	withAuthedTenantParam(c, "user-1", "tenant-1")
	h.Disconnect(c)
	c.Writer.WriteHeaderNow()

	assert.Equal(t, http.StatusAccepted, w.Code)
	blob, err := secrets.Get(nil, "tenant-1")
	require.NoError(t, err)
	assert.Nil(t, blob.GoogleConnectedAt)
}
