package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/bus"
	"github.com/nexus-run/orchestrator/internal/repository"
)

const googleAuthURL = "https://accounts.google.com/o/oauth2/v2/auth"

// googleOAuthScopes mirrors original_source's GOOGLE_OAUTH_SCOPES — the
// fixed scope set requested for every tenant's Google connection.
var googleOAuthScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/calendar.events",
	"https://www.googleapis.com/auth/drive.readonly",
	"https://www.googleapis.com/auth/drive.file",
	"https://www.googleapis.com/auth/contacts.readonly",
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/documents",
}

// GoogleHandler exposes a thin consent-URL-and-status surface for the
// tenant's Google connection. The token exchange itself is out of scope
// (spec.md §1: "Google/OAuth integration details beyond an event type
// flowing on the bus") — this handler only ever produces the URL the
// dashboard sends the user to, and projects connection status/events.
type GoogleHandler struct {
	tenants        repository.TenantRepository
	secrets        repository.SecretRepository
	bus            *bus.Bus
	clientID       string
	redirectURI    string
	allowedOrigins map[string]bool
	logger         *zap.Logger
}

func NewGoogleHandler(tenants repository.TenantRepository, secrets repository.SecretRepository, eventBus *bus.Bus, clientID, redirectURI, allowedOriginsCSV string, logger *zap.Logger) *GoogleHandler {
	origins := make(map[string]bool)
	for _, raw := range strings.Split(allowedOriginsCSV, ",") {
		if o := normalizeOrigin(raw); o != "" {
			origins[o] = true
		}
	}
	return &GoogleHandler{
		tenants:        tenants,
		secrets:        secrets,
		bus:            eventBus,
		clientID:       clientID,
		redirectURI:    redirectURI,
		allowedOrigins: origins,
		logger:         logger,
	}
}

func normalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func requestOrigin(c *gin.Context) string {
	if o := normalizeOrigin(c.GetHeader("Origin")); o != "" {
		return o
	}
	if ref := c.GetHeader("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil {
			if o := normalizeOrigin(u.Scheme + "://" + u.Host); o != "" {
				return o
			}
		}
	}
	return ""
}

// ConnectStart handles POST /v1/tenants/{id}/google/connect/start. It
// returns a consent URL the dashboard redirects the user's browser to; the
// resulting authorization code is exchanged outside this core (spec.md §1
// non-goal).
func (h *GoogleHandler) ConnectStart(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}

	if h.clientID == "" || h.redirectURI == "" || len(h.allowedOrigins) == 0 {
		apierr.Respond(c, apierr.NewValidation("google_oauth_not_configured", "Google OAuth is not configured"))
		return
	}

	origin := requestOrigin(c)
	if origin == "" {
		apierr.Respond(c, apierr.NewValidation("google_oauth_origin_missing", "could not resolve request origin"))
		return
	}
	if !h.allowedOrigins[origin] {
		apierr.Respond(c, apierr.NewAuthorization("google_oauth_origin_forbidden", "origin not allowed: "+origin))
		return
	}

	query := url.Values{
		"client_id":              {h.clientID},
		"redirect_uri":           {h.redirectURI},
		"response_type":          {"code"},
		"scope":                  {strings.Join(googleOAuthScopes, " ")},
		"access_type":            {"offline"},
		"prompt":                 {"consent"},
		"include_granted_scopes": {"true"},
		"state":                  {tenant.ID},
	}
	c.JSON(http.StatusOK, gin.H{"url": googleAuthURL + "?" + query.Encode()})
}

type googleStatusResponse struct {
	TenantID  string   `json:"tenant_id"`
	Connected bool     `json:"connected"`
	Scopes    []string `json:"scopes,omitempty"`
	LastError string   `json:"last_error,omitempty"`
}

// Status handles GET /v1/tenants/{id}/google/status.
func (h *GoogleHandler) Status(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	secret, err := h.secrets.Get(c.Request.Context(), tenant.ID)
	if err != nil {
		h.logger.Error("get tenant secret", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("google_status_failed", "failed to load Google status", err))
		return
	}
	resp := googleStatusResponse{TenantID: tenant.ID}
	if secret != nil {
		resp.Connected = secret.GoogleConnectedAt != nil && len(secret.GoogleTokenJSON) > 0
		resp.Scopes = secret.GoogleScopes
		resp.LastError = secret.GoogleLastError
	}
	c.JSON(http.StatusOK, resp)
}

// Disconnect handles POST /v1/tenants/{id}/google/disconnect, clearing any
// stored Google tokens and publishing google.disconnected.
func (h *GoogleHandler) Disconnect(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	ctx := c.Request.Context()
	if err := h.secrets.ClearGoogle(ctx, tenant.ID); err != nil {
		h.logger.Error("clear google connection", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("google_disconnect_failed", "failed to disconnect Google", err))
		return
	}
	if _, err := h.bus.Publish(ctx, tenant.ID, "google.disconnected", map[string]any{"reason": "requested"}); err != nil {
		h.logger.Error("publish google.disconnected", zap.Error(err))
	}
	c.Status(http.StatusAccepted)
}
