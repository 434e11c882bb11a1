package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/assistantdefaults"
	"github.com/nexus-run/orchestrator/internal/bus"
	"github.com/nexus-run/orchestrator/internal/middleware"
	"github.com/nexus-run/orchestrator/internal/models"
	"github.com/nexus-run/orchestrator/internal/repository"
	"github.com/nexus-run/orchestrator/internal/secretcrypto"
	"github.com/nexus-run/orchestrator/internal/workerclient"
)

// openrouterAPIKeyEnv is the model-provider credential every tenant must
// configure before its runtime is allowed to start or pair — the
// precondition named in spec.md §7.
const openrouterAPIKeyEnv = "NEXUS_OPENROUTER_API_KEY"

// TenantHandler owns tenant lifecycle: setup, status, and the runtime/pairing
// actions that proxy to the worker.
type TenantHandler struct {
	tenants    repository.TenantRepository
	configs    repository.ConfigRepository
	prompts    repository.PromptRepository
	skills     repository.SkillRepository
	secrets    repository.SecretRepository
	cipher     *secretcrypto.Cipher
	worker     *workerclient.Client
	bus        *bus.Bus
	nexusImage string
	logger     *zap.Logger
}

func NewTenantHandler(
	tenants repository.TenantRepository,
	configs repository.ConfigRepository,
	prompts repository.PromptRepository,
	skills repository.SkillRepository,
	secrets repository.SecretRepository,
	cipher *secretcrypto.Cipher,
	worker *workerclient.Client,
	eventBus *bus.Bus,
	nexusImage string,
	logger *zap.Logger,
) *TenantHandler {
	return &TenantHandler{
		tenants:    tenants,
		configs:    configs,
		prompts:    prompts,
		skills:     skills,
		secrets:    secrets,
		cipher:     cipher,
		worker:     worker,
		bus:        eventBus,
		nexusImage: nexusImage,
		logger:     logger,
	}
}

type setupRequest struct {
	InitialConfig map[string]string `json:"initial_config"`
}

func hasOpenRouterKey(env map[string]string) bool {
	value, ok := env[openrouterAPIKeyEnv]
	return ok && strings.TrimSpace(value) != ""
}

func openrouterKeyRequiredError() *apierr.Error {
	return apierr.NewPrecondition("openrouter_api_key_required", "NEXUS_OPENROUTER_API_KEY is required before runtime start").
		WithDetail(map[string]any{"error": "openrouter_api_key_required"})
}

func randomHex(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomURLSafe(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func tenantExistsError(tenantID string) *apierr.Error {
	return apierr.NewConflict("tenant_exists", "a tenant already exists for this user").
		WithDetail(map[string]any{"tenant_id": tenantID})
}

// Setup handles POST /v1/tenants/setup. One tenant per user: a second call
// for the same owner is a conflict naming the existing tenant, so the
// client can recover without a separate lookup.
func (h *TenantHandler) Setup(c *gin.Context) {
	userID := middleware.GetUserID(c)
	ctx := c.Request.Context()

	if existing, err := h.tenants.GetByOwnerUserID(ctx, userID); err != nil {
		h.logger.Error("lookup existing tenant", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("tenant_setup_failed", "tenant setup failed", err))
		return
	} else if existing != nil {
		apierr.Respond(c, tenantExistsError(existing.ID))
		return
	}

	var req setupRequest
	_ = c.ShouldBindJSON(&req)

	if strings.TrimSpace(h.nexusImage) == "" {
		apierr.Respond(c, apierr.NewValidation("nexus_image_invalid", "control plane NEXUS_IMAGE is not configured"))
		return
	}
	if err := validateConfigKeys(req.InitialConfig); err != nil {
		apierr.Respond(c, err)
		return
	}

	env := map[string]string{
		"NEXUS_CLI_ENABLED": "false",
		"NEXUS_CONFIG_DIR":  "/data/config",
		"NEXUS_DATA_DIR":    "/data/state",
		"NEXUS_PROMPTS_DIR": "/data/config/prompts",
		"NEXUS_SKILLS_DIR":  "/data/config/skills",
	}
	for k, v := range req.InitialConfig {
		env[k] = v
	}
	if !hasOpenRouterKey(env) {
		apierr.Respond(c, openrouterKeyRequiredError())
		return
	}

	tenantID, err := randomHex(8)
	if err != nil {
		apierr.Respond(c, apierr.NewFatal("tenant_setup_failed", "tenant setup failed", err))
		return
	}
	bridgeSecret, err := randomURLSafe(24)
	if err != nil {
		apierr.Respond(c, apierr.NewFatal("tenant_setup_failed", "tenant setup failed", err))
		return
	}

	tenant := &models.Tenant{
		ID:           tenantID,
		OwnerUserID:  userID,
		DesiredState: models.StateProvisioning,
		ActualState:  models.StateProvisioning,
		NexusImage:   h.nexusImage,
	}
	if err := h.tenants.Create(ctx, tenant); err != nil {
		var pgErr *pgconn.PgError
		if isUniqueViolation(err, &pgErr) {
			if existing, lookupErr := h.tenants.GetByOwnerUserID(ctx, userID); lookupErr == nil && existing != nil {
				apierr.Respond(c, tenantExistsError(existing.ID))
				return
			}
			apierr.Respond(c, apierr.NewConflict("tenant_setup_conflict", "could not complete tenant setup"))
			return
		}
		h.logger.Error("create tenant", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("tenant_setup_failed", "tenant setup failed", err))
		return
	}

	// The bridge secret is sealed before it reaches the store; the AAD
	// binds the ciphertext to this tenant's row.
	sealed, err := h.cipher.Seal([]byte(bridgeSecret), []byte(tenantID))
	if err != nil {
		apierr.Respond(c, apierr.NewFatal("tenant_setup_failed", "tenant setup failed", err))
		return
	}
	if err := h.secrets.Create(ctx, tenantID, base64.StdEncoding.EncodeToString(sealed)); err != nil {
		h.logger.Error("create tenant secret", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("tenant_setup_failed", "tenant setup failed", err))
		return
	}
	if _, err := h.configs.CreateRevision(ctx, tenantID, env); err != nil {
		h.logger.Error("create initial config revision", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("tenant_setup_failed", "tenant setup failed", err))
		return
	}
	h.seedAssistantDefaults(ctx, tenantID)

	if err := h.worker.Provision(ctx, tenantID, h.nexusImage); err != nil {
		// The intent is durable; reconcile or a later start picks it up.
		h.logger.Warn("worker provision failed", zap.String("tenant_id", tenantID), zap.Error(err))
		_ = h.tenants.UpdateState(ctx, tenantID, tenant.DesiredState, models.StateError, err.Error())
		h.publish(ctx, tenantID, "runtime.error", map[string]any{"message": err.Error()})
		c.JSON(http.StatusCreated, gin.H{"id": tenantID})
		return
	}

	if err := h.tenants.UpdateState(ctx, tenantID, models.StateRunning, models.StatePendingPairing, ""); err != nil {
		h.logger.Error("update tenant state after provision", zap.Error(err))
	}
	h.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing"})

	c.JSON(http.StatusCreated, gin.H{"id": tenantID})
}

func (h *TenantHandler) seedAssistantDefaults(ctx context.Context, tenantID string) {
	for name, content := range assistantdefaults.Prompts {
		if _, err := h.prompts.CreateRevision(ctx, tenantID, name, content); err != nil {
			h.logger.Error("seed default prompt", zap.String("name", name), zap.Error(err))
		}
	}
	for skillID, content := range assistantdefaults.Skills {
		if _, err := h.skills.CreateRevision(ctx, tenantID, skillID, content); err != nil {
			h.logger.Error("seed default skill", zap.String("skill_id", skillID), zap.Error(err))
		}
	}
	if err := h.secrets.SetAssistantDefaultsVersion(ctx, tenantID, assistantdefaults.Version); err != nil {
		h.logger.Error("record assistant defaults version", zap.Error(err))
	}
}

// ownedTenant loads the tenant at c.Param("id") and verifies it belongs to
// the authenticated caller, writing the appropriate error response itself
// on failure. Returns nil when it already wrote a response.
func ownedTenant(c *gin.Context, tenants repository.TenantRepository, logger *zap.Logger) *models.Tenant {
	tenantID := c.Param("id")
	userID := middleware.GetUserID(c)

	tenant, err := tenants.GetByID(c.Request.Context(), tenantID)
	if err != nil {
		logger.Error("get tenant", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("get_tenant_failed", "failed to load tenant", err))
		return nil
	}
	// Unknown tenant and someone else's tenant answer identically, so a
	// caller can't probe which tenant ids exist.
	if tenant == nil || tenant.OwnerUserID != userID {
		apierr.Respond(c, apierr.NewForbidden("forbidden", "tenant not found"))
		return nil
	}
	return tenant
}

type tenantStatusResponse struct {
	TenantID      string             `json:"tenant_id"`
	DesiredState  models.TenantState `json:"desired_state"`
	ActualState   models.TenantState `json:"actual_state"`
	LastHeartbeat *string            `json:"last_heartbeat,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

// Status handles GET /v1/tenants/{id}/status. It refreshes actual_state
// from the worker's live health view on a best-effort basis: if the worker
// is unreachable the last known state is returned unchanged, per spec.md §7
// "reads are best-effort."
func (h *TenantHandler) Status(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	ctx := c.Request.Context()

	if health, err := h.worker.Health(ctx, tenant.ID); err == nil {
		actual := tenant.ActualState
		if health.Running {
			if actual == models.StateProvisioning || actual == models.StatePaused {
				actual = models.StateRunning
			}
		} else if actual != models.StateError && actual != models.StateDeleted && actual != models.StateProvisioning {
			actual = models.StatePaused
		}
		if actual != tenant.ActualState {
			if err := h.tenants.UpdateState(ctx, tenant.ID, tenant.DesiredState, actual, ""); err != nil {
				h.logger.Error("update tenant state from health", zap.Error(err))
			}
			tenant.ActualState = actual
		}
	}

	resp := tenantStatusResponse{
		TenantID:     tenant.ID,
		DesiredState: tenant.DesiredState,
		ActualState:  tenant.ActualState,
		LastError:    tenant.LastError,
	}
	if tenant.LastHeartbeat != nil {
		formatted := tenant.LastHeartbeat.Format("2006-01-02T15:04:05Z07:00")
		resp.LastHeartbeat = &formatted
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TenantHandler) requireOpenrouterKey(c *gin.Context, tenantID string) bool {
	active, err := h.configs.GetActive(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("get active config", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("config_lookup_failed", "failed to load config", err))
		return false
	}
	if active == nil || !hasOpenRouterKey(active.Env) {
		apierr.Respond(c, openrouterKeyRequiredError())
		return false
	}
	return true
}

func (h *TenantHandler) runtimeAction(c *gin.Context, action string, requireKey bool, call func(ctx context.Context, tenantID string) error, desired, actual models.TenantState, eventType string, eventPayload map[string]any) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	if requireKey && !h.requireOpenrouterKey(c, tenant.ID) {
		return
	}

	ctx := c.Request.Context()
	if err := call(ctx, tenant.ID); err != nil {
		h.publish(ctx, tenant.ID, "runtime.error", map[string]any{"action": action, "message": err.Error()})
		apierr.Respond(c, err)
		return
	}

	if err := h.tenants.UpdateState(ctx, tenant.ID, desired, actual, ""); err != nil {
		h.logger.Error("update tenant state", zap.String("action", action), zap.Error(err))
	}
	h.publish(ctx, tenant.ID, eventType, eventPayload)
	c.Status(http.StatusAccepted)
}

// Start handles POST /v1/tenants/{id}/runtime/start.
func (h *TenantHandler) Start(c *gin.Context) {
	h.runtimeAction(c, "start", true,
		func(ctx context.Context, tenantID string) error { return h.worker.Start(ctx, tenantID, h.nexusImage) },
		models.StateRunning, models.StateRunning, "runtime.status", map[string]any{"state": "running"})
}

// Stop handles POST /v1/tenants/{id}/runtime/stop.
func (h *TenantHandler) Stop(c *gin.Context) {
	h.runtimeAction(c, "stop", false,
		func(ctx context.Context, tenantID string) error { return h.worker.Stop(ctx, tenantID) },
		models.StatePaused, models.StatePaused, "runtime.status", map[string]any{"state": "paused"})
}

// Restart handles POST /v1/tenants/{id}/runtime/restart.
func (h *TenantHandler) Restart(c *gin.Context) {
	h.runtimeAction(c, "restart", true,
		func(ctx context.Context, tenantID string) error { return h.worker.Restart(ctx, tenantID, h.nexusImage) },
		models.StateRunning, models.StateRunning, "runtime.status", map[string]any{"state": "running"})
}

// PairStart handles POST /v1/tenants/{id}/whatsapp/pair/start.
func (h *TenantHandler) PairStart(c *gin.Context) {
	h.runtimeAction(c, "pair_start", true,
		func(ctx context.Context, tenantID string) error { return h.worker.PairStart(ctx, tenantID, h.nexusImage) },
		models.StatePendingPairing, models.StatePendingPairing, "runtime.status", map[string]any{"state": "pending_pairing"})
}

// WhatsappDisconnect handles POST /v1/tenants/{id}/whatsapp/disconnect.
func (h *TenantHandler) WhatsappDisconnect(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	ctx := c.Request.Context()
	if err := h.worker.WhatsappDisconnect(ctx, tenant.ID); err != nil {
		h.publish(ctx, tenant.ID, "runtime.error", map[string]any{"action": "whatsapp_disconnect", "message": err.Error()})
		apierr.Respond(c, err)
		return
	}
	if err := h.tenants.UpdateState(ctx, tenant.ID, models.StatePendingPairing, models.StatePendingPairing, ""); err != nil {
		h.logger.Error("update tenant state", zap.Error(err))
	}
	h.publish(ctx, tenant.ID, "whatsapp.disconnected", map[string]any{"reason": "requested"})
	h.publish(ctx, tenant.ID, "runtime.status", map[string]any{"state": "pending_pairing"})
	c.Status(http.StatusAccepted)
}

// Delete handles DELETE /v1/tenants/{id}. The worker tears down the
// container and both volumes; only after that succeeds is the tenant
// marked deleted — a failed worker call leaves it in place for retry,
// matching spec.md §7's propagation policy for mutating calls.
func (h *TenantHandler) Delete(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	ctx := c.Request.Context()
	if err := h.worker.Delete(ctx, tenant.ID); err != nil {
		apierr.Respond(c, err)
		return
	}
	if err := h.tenants.UpdateState(ctx, tenant.ID, models.StateDeleted, models.StateDeleted, ""); err != nil {
		h.logger.Error("update tenant state after delete", zap.Error(err))
	}
	c.Status(http.StatusAccepted)
}

func (h *TenantHandler) publish(ctx context.Context, tenantID, eventType string, payload map[string]any) {
	if _, err := h.bus.Publish(ctx, tenantID, eventType, payload); err != nil {
		h.logger.Error("publish event", zap.String("tenant_id", tenantID), zap.String("type", eventType), zap.Error(err))
	}
}
