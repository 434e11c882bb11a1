package api

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/bus"
	"github.com/nexus-run/orchestrator/internal/models"
	"github.com/nexus-run/orchestrator/internal/redact"
	"github.com/nexus-run/orchestrator/internal/repository"
	"github.com/nexus-run/orchestrator/internal/workerclient"
)

// configKeyPattern is the only shape an env key may take; anything else is
// rejected before it can reach an env-file, where a stray character would
// change how the line parses.
var configKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateConfigKeys(values map[string]string) *apierr.Error {
	for key := range values {
		if !configKeyPattern.MatchString(key) {
			return apierr.NewValidation("invalid_config_key", "invalid config key: "+key)
		}
	}
	return nil
}

// ConfigHandler manages a tenant's versioned env-map.
type ConfigHandler struct {
	tenants repository.TenantRepository
	configs repository.ConfigRepository
	worker  *workerclient.Client
	bus     *bus.Bus
	logger  *zap.Logger
}

func NewConfigHandler(tenants repository.TenantRepository, configs repository.ConfigRepository, worker *workerclient.Client, eventBus *bus.Bus, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{tenants: tenants, configs: configs, worker: worker, bus: eventBus, logger: logger}
}

type configResponse struct {
	TenantID string            `json:"tenant_id"`
	Revision int               `json:"revision"`
	Env      map[string]string `json:"env_json"`
}

// Get handles GET /v1/tenants/{id}/config. The owning user sees their own
// values verbatim (the dashboard edits them in place); redaction applies to
// logs and event payloads, not to this tenant-scoped read.
func (h *ConfigHandler) Get(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	active, err := h.configs.GetActive(c.Request.Context(), tenant.ID)
	if err != nil {
		h.logger.Error("get active config", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("config_lookup_failed", "failed to load config", err))
		return
	}
	if active == nil {
		c.JSON(http.StatusOK, configResponse{TenantID: tenant.ID, Env: map[string]string{}})
		return
	}
	c.JSON(http.StatusOK, configResponse{TenantID: tenant.ID, Revision: active.Revision, Env: active.Env})
}

type configPatchRequest struct {
	Values     map[string]string `json:"values"`
	RemoveKeys []string          `json:"remove_keys"`
}

// Patch handles PATCH /v1/tenants/{id}/config. It merges onto the current
// active revision, creates a new revision, and — if the runtime is
// currently up — asks the worker to reload its env-file so the change
// actually takes effect.
func (h *ConfigHandler) Patch(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	var req configPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, apierr.NewValidation("invalid_request", err.Error()))
		return
	}
	if err := validateConfigKeys(req.Values); err != nil {
		apierr.Respond(c, err)
		return
	}

	ctx := c.Request.Context()
	active, err := h.configs.GetActive(ctx, tenant.ID)
	if err != nil {
		h.logger.Error("get active config", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("config_lookup_failed", "failed to load config", err))
		return
	}

	merged := map[string]string{}
	if active != nil {
		for k, v := range active.Env {
			merged[k] = v
		}
	}
	for _, key := range req.RemoveKeys {
		delete(merged, key)
	}
	for k, v := range req.Values {
		merged[k] = v
	}

	rev, err := h.configs.CreateRevision(ctx, tenant.ID, merged)
	if err != nil {
		h.logger.Error("create config revision", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("config_update_failed", "failed to update config", err))
		return
	}
	h.logger.Info("config revision created",
		zap.String("tenant_id", tenant.ID),
		zap.Int("revision", rev.Revision),
		zap.Any("env", redact.Env(rev.Env)),
	)

	running := tenant.ActualState == models.StateRunning || tenant.ActualState == models.StatePendingPairing
	if err := h.worker.ApplyConfig(ctx, tenant.ID, running); err != nil {
		h.logger.Warn("apply config on worker failed", zap.String("tenant_id", tenant.ID), zap.Error(err))
		apierr.Respond(c, err)
		return
	}

	h.publish(ctx, tenant.ID, "config.applied", map[string]any{"revision": rev.Revision})
	c.JSON(http.StatusOK, configResponse{TenantID: tenant.ID, Revision: rev.Revision, Env: rev.Env})
}

func (h *ConfigHandler) publish(ctx context.Context, tenantID, eventType string, payload map[string]any) {
	if _, err := h.bus.Publish(ctx, tenantID, eventType, payload); err != nil {
		h.logger.Error("publish event", zap.String("tenant_id", tenantID), zap.String("type", eventType), zap.Error(err))
	}
}
