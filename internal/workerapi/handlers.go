package workerapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/bus"
	"github.com/nexus-run/orchestrator/internal/driver"
	"github.com/nexus-run/orchestrator/internal/models"
	"github.com/nexus-run/orchestrator/internal/repository"
	"github.com/nexus-run/orchestrator/internal/secretcrypto"
	"github.com/nexus-run/orchestrator/internal/tenantlock"
)

// Handler wires the driver, the event bus, and the shared Postgres store
// into one HTTP surface per spec.md §4.D. Config and secret material are
// read straight from the same store the control plane writes to — one
// worker per deployment makes this the simplest "local store" reading, no
// separate sync protocol needed (see DESIGN.md).
type Handler struct {
	driver    *driver.Driver
	monitor   *driver.Monitor
	bus       *bus.Bus
	tenants   repository.TenantRepository
	configs   repository.ConfigRepository
	secrets   repository.SecretRepository
	cipher    *secretcrypto.Cipher
	locks     *tenantlock.Table
	opTimeout time.Duration
	logger    *zap.Logger
}

// NewHandler takes the lock table shared with the reconciler so every
// lifecycle mutation for a tenant — whether client-initiated or
// reconcile-initiated — serializes on the same mutex.
func NewHandler(
	d *driver.Driver,
	m *driver.Monitor,
	b *bus.Bus,
	tenants repository.TenantRepository,
	configs repository.ConfigRepository,
	secrets repository.SecretRepository,
	cipher *secretcrypto.Cipher,
	locks *tenantlock.Table,
	opTimeout time.Duration,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		driver:    d,
		monitor:   m,
		bus:       b,
		tenants:   tenants,
		configs:   configs,
		secrets:   secrets,
		cipher:    cipher,
		locks:     locks,
		opTimeout: opTimeout,
		logger:    logger,
	}
}

// Register mounts every /internal route on r, each guarded by the action
// token for its own action name.
func (h *Handler) Register(r gin.IRouter, verifyKey, verifyKeyPrevious string) {
	guard := func(action string) gin.HandlerFunc { return RequireAction(action, verifyKey, verifyKeyPrevious) }

	internal := r.Group("/internal/tenants/:id")
	internal.POST("/provision", guard("provision"), h.Provision)
	internal.POST("/start", guard("start"), h.Start)
	internal.POST("/stop", guard("stop"), h.Stop)
	internal.POST("/restart", guard("restart"), h.Restart)
	internal.POST("/pair/start", guard("pair_start"), h.PairStart)
	internal.POST("/whatsapp/disconnect", guard("whatsapp_disconnect"), h.WhatsappDisconnect)
	internal.POST("/apply-config", guard("apply_config"), h.ApplyConfig)
	internal.GET("/health", guard("health"), h.Health)
	internal.DELETE("", guard("delete"), h.Delete)
}

type imageOverride struct {
	NexusImage string `json:"nexus_image"`
}

func (h *Handler) opContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.opTimeout)
}

// activeEnvAndSecret loads the active config revision and the tenant's
// bridge shared secret. The secret is stored sealed (base64 ciphertext,
// AAD-bound to the tenant id) and opened here, just before it is written
// into the env-file the runtime reads.
func (h *Handler) activeEnvAndSecret(ctx context.Context, tenantID string) (map[string]string, string, error) {
	cfg, err := h.configs.GetActive(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	env := map[string]string{}
	if cfg != nil {
		env = cfg.Env
	}
	secret, err := h.secrets.Get(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	sharedSecret := ""
	if secret != nil && secret.BridgeSharedSecret != "" {
		sealed, err := base64.StdEncoding.DecodeString(secret.BridgeSharedSecret)
		if err != nil {
			return nil, "", fmt.Errorf("decode bridge secret: %w", err)
		}
		opened, err := h.cipher.Open(sealed, []byte(tenantID))
		if err != nil {
			return nil, "", fmt.Errorf("open bridge secret: %w", err)
		}
		sharedSecret = string(opened)
	}
	return env, sharedSecret, nil
}

// Provision handles POST /internal/tenants/:id/provision.
func (h *Handler) Provision(c *gin.Context) {
	tenantID := c.Param("id")
	var body imageOverride
	_ = c.ShouldBindJSON(&body)

	unlock := h.locks.Lock(tenantID)
	defer unlock()

	ctx, cancel := h.opContext(c)
	defer cancel()

	env, sharedSecret, err := h.activeEnvAndSecret(ctx, tenantID)
	if err != nil {
		h.fail(c, tenantID, "provision_failed", err)
		return
	}

	if err := h.driver.Provision(ctx, tenantID, body.NexusImage, env, sharedSecret); err != nil {
		h.fail(c, tenantID, "provision_failed", err)
		return
	}
	h.monitor.Start(tenantID)
	if err := h.tenants.UpdateState(ctx, tenantID, models.StatePendingPairing, models.StatePendingPairing, ""); err != nil {
		h.logger.Error("update tenant state after provision", zap.Error(err))
	}
	h.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing"})
	c.Status(http.StatusAccepted)
}

// Start handles POST /internal/tenants/:id/start.
func (h *Handler) Start(c *gin.Context) {
	tenantID := c.Param("id")
	var body imageOverride
	_ = c.ShouldBindJSON(&body)

	unlock := h.locks.Lock(tenantID)
	defer unlock()
	ctx, cancel := h.opContext(c)
	defer cancel()

	if err := h.driver.Start(ctx, tenantID, body.NexusImage); err != nil {
		h.fail(c, tenantID, "start_failed", err)
		return
	}
	h.monitor.Start(tenantID)
	if err := h.tenants.UpdateState(ctx, tenantID, models.StateRunning, models.StateRunning, ""); err != nil {
		h.logger.Error("update tenant state after start", zap.Error(err))
	}
	h.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "running"})
	c.Status(http.StatusAccepted)
}

// Stop handles POST /internal/tenants/:id/stop.
func (h *Handler) Stop(c *gin.Context) {
	tenantID := c.Param("id")

	unlock := h.locks.Lock(tenantID)
	defer unlock()
	ctx, cancel := h.opContext(c)
	defer cancel()

	if err := h.driver.Stop(ctx, tenantID); err != nil {
		h.fail(c, tenantID, "stop_failed", err)
		return
	}
	if err := h.tenants.UpdateState(ctx, tenantID, models.StatePaused, models.StatePaused, ""); err != nil {
		h.logger.Error("update tenant state after stop", zap.Error(err))
	}
	h.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "paused"})
	c.Status(http.StatusAccepted)
}

// Restart handles POST /internal/tenants/:id/restart.
func (h *Handler) Restart(c *gin.Context) {
	tenantID := c.Param("id")
	var body imageOverride
	_ = c.ShouldBindJSON(&body)

	unlock := h.locks.Lock(tenantID)
	defer unlock()
	ctx, cancel := h.opContext(c)
	defer cancel()

	if err := h.driver.Restart(ctx, tenantID, body.NexusImage); err != nil {
		h.fail(c, tenantID, "restart_failed", err)
		return
	}
	h.monitor.Start(tenantID)
	if err := h.tenants.UpdateState(ctx, tenantID, models.StateRunning, models.StateRunning, ""); err != nil {
		h.logger.Error("update tenant state after restart", zap.Error(err))
	}
	h.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "running"})
	c.Status(http.StatusAccepted)
}

// PairStart handles POST /internal/tenants/:id/pair/start. It records the
// current max event_id as a baseline before discarding the session volume
// and restarting into pending-pairing — everything published from here on
// is structurally guaranteed to have a greater event_id (spec.md §4.D "QR
// freshness").
func (h *Handler) PairStart(c *gin.Context) {
	tenantID := c.Param("id")
	var body imageOverride
	_ = c.ShouldBindJSON(&body)

	unlock := h.locks.Lock(tenantID)
	defer unlock()
	ctx, cancel := h.opContext(c)
	defer cancel()

	baseline, err := h.bus.MaxEventID(ctx, tenantID)
	if err != nil {
		h.logger.Warn("pair_start: read baseline failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	if err := h.driver.PairStart(ctx, tenantID, body.NexusImage); err != nil {
		h.fail(c, tenantID, "pair_start_failed", err)
		return
	}
	h.monitor.Start(tenantID)
	if err := h.tenants.UpdateState(ctx, tenantID, models.StatePendingPairing, models.StatePendingPairing, ""); err != nil {
		h.logger.Error("update tenant state after pair_start", zap.Error(err))
	}
	h.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing", "qr_baseline": baseline})
	c.Status(http.StatusAccepted)
}

// WhatsappDisconnect handles POST /internal/tenants/:id/whatsapp/disconnect.
func (h *Handler) WhatsappDisconnect(c *gin.Context) {
	tenantID := c.Param("id")

	unlock := h.locks.Lock(tenantID)
	defer unlock()
	ctx, cancel := h.opContext(c)
	defer cancel()

	if err := h.driver.WhatsappDisconnect(ctx, tenantID); err != nil {
		h.fail(c, tenantID, "whatsapp_disconnect_failed", err)
		return
	}
	h.monitor.Start(tenantID)
	if err := h.tenants.UpdateState(ctx, tenantID, models.StatePendingPairing, models.StatePendingPairing, ""); err != nil {
		h.logger.Error("update tenant state after disconnect", zap.Error(err))
	}
	h.publish(ctx, tenantID, "whatsapp.disconnected", map[string]any{"reason": "disconnect_requested"})
	h.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing"})
	c.Status(http.StatusAccepted)
}

type applyConfigRequest struct {
	Running bool `json:"running"`
}

// ApplyConfig handles POST /internal/tenants/:id/apply-config. It re-reads
// the now-active config revision from the store (the control plane already
// committed it before calling this) rather than trusting a body, so the
// worker's env-file always matches the durable record of what "active"
// means for this tenant. The config.applied event is the control plane's
// to publish — it owns the commit the event describes.
func (h *Handler) ApplyConfig(c *gin.Context) {
	tenantID := c.Param("id")
	var body applyConfigRequest
	_ = c.ShouldBindJSON(&body)

	unlock := h.locks.Lock(tenantID)
	defer unlock()
	ctx, cancel := h.opContext(c)
	defer cancel()

	env, sharedSecret, err := h.activeEnvAndSecret(ctx, tenantID)
	if err != nil {
		h.fail(c, tenantID, "apply_config_failed", err)
		return
	}

	if err := h.driver.ApplyConfig(ctx, tenantID, env, sharedSecret, body.Running); err != nil {
		h.fail(c, tenantID, "apply_config_failed", err)
		return
	}
	if body.Running {
		h.monitor.Start(tenantID)
	}
	c.Status(http.StatusAccepted)
}

// Health handles GET /internal/tenants/:id/health.
func (h *Handler) Health(c *gin.Context) {
	tenantID := c.Param("id")
	ctx, cancel := h.opContext(c)
	defer cancel()

	health, err := h.driver.Health(ctx, tenantID)
	if err != nil {
		h.fail(c, tenantID, "health_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exists":  health.Exists,
		"running": health.Running,
		"status":  health.Status,
	})
}

// Delete handles DELETE /internal/tenants/:id.
func (h *Handler) Delete(c *gin.Context) {
	tenantID := c.Param("id")

	unlock := h.locks.Lock(tenantID)
	defer unlock()
	ctx, cancel := h.opContext(c)
	defer cancel()

	h.monitor.Stop(tenantID)
	if err := h.driver.Delete(ctx, tenantID); err != nil {
		h.fail(c, tenantID, "delete_failed", err)
		return
	}
	if err := h.tenants.UpdateState(ctx, tenantID, models.StateDeleted, models.StateDeleted, ""); err != nil {
		h.logger.Error("update tenant state after delete", zap.Error(err))
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) publish(ctx context.Context, tenantID, eventType string, payload map[string]any) {
	if _, err := h.bus.Publish(ctx, tenantID, eventType, payload); err != nil {
		h.logger.Error("publish event failed", zap.String("tenant_id", tenantID), zap.String("type", eventType), zap.Error(err))
	}
}

// fail logs the underlying driver error, records it as the tenant's
// last_error, publishes a runtime.error event, and responds with a
// transient-category error. Only actual_state flips to error: the
// desired state the control plane persisted is the intent spec.md §7
// says must survive the failure, so the next restart — or the reconcile
// loop driving toward that desired state — can recover the tenant.
func (h *Handler) fail(c *gin.Context, tenantID, code string, err error) {
	h.logger.Error(code, zap.String("tenant_id", tenantID), zap.Error(err))
	ctx := c.Request.Context()
	desired := models.StateError
	if tenant, getErr := h.tenants.GetByID(ctx, tenantID); getErr == nil && tenant != nil {
		desired = tenant.DesiredState
	}
	if updateErr := h.tenants.UpdateState(ctx, tenantID, desired, models.StateError, err.Error()); updateErr != nil {
		h.logger.Error("record tenant error state", zap.Error(updateErr))
	}
	h.publish(ctx, tenantID, "runtime.error", map[string]any{"error": code, "message": err.Error()})
	apierr.Respond(c, apierr.NewTransient(code, "worker operation failed", err))
}
