package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/auth"
	"github.com/nexus-run/orchestrator/internal/bus"
	"github.com/nexus-run/orchestrator/internal/models"
	"github.com/nexus-run/orchestrator/internal/repository"
)

const (
	defaultPollLimit = 50
	maxPollLimit     = 200
	wsKeepaliveEvery = 45 * time.Second
)

// EventHandler is the stream gateway (component G): the poll endpoint and
// the WebSocket endpoint both read through the same bus/store so the two
// delivery modes agree on ordering, per spec.md §4.G.
type EventHandler struct {
	tenants    repository.TenantRepository
	events     repository.EventRepository
	bus        *bus.Bus
	sessionKey string
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func NewEventHandler(tenants repository.TenantRepository, events repository.EventRepository, eventBus *bus.Bus, sessionKey string, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		tenants:    tenants,
		events:     events,
		bus:        eventBus,
		sessionKey: sessionKey,
		upgrader: websocket.Upgrader{
			// The dashboard is a separate origin from the API in every
			// deployment of this system; origin checking is handled by the
			// bearer token in the query string, not same-origin cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

type eventEnvelope struct {
	EventID   int64          `json:"event_id"`
	TenantID  string         `json:"tenant_id"`
	Type      string         `json:"type"`
	CreatedAt string         `json:"created_at"`
	Payload   map[string]any `json:"payload"`
}

func toEnvelope(e models.Event) eventEnvelope {
	return eventEnvelope{
		EventID:   e.EventID,
		TenantID:  e.TenantID,
		Type:      e.Type,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
		Payload:   e.Payload,
	}
}

func clampLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseAfterEventID(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Recent handles GET /v1/tenants/{id}/events/recent — the incremental poll
// surface. With after_event_id it returns everything newer, oldest first;
// without it, the most recent `limit` events, still ascending.
func (h *EventHandler) Recent(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}

	limit := clampLimit(c.Query("limit"), defaultPollLimit, maxPollLimit)
	afterEventID := parseAfterEventID(c.Query("after_event_id"))
	types := splitTypes(c.Query("types"))

	ctx := c.Request.Context()
	var events []models.Event
	var err error
	if afterEventID > 0 {
		events, err = h.events.ListSince(ctx, tenant.ID, afterEventID, limit)
	} else {
		maxID, maxErr := h.events.MaxEventID(ctx, tenant.ID)
		if maxErr != nil {
			h.logger.Error("get max event id", zap.Error(maxErr))
			apierr.Respond(c, apierr.NewFatal("events_lookup_failed", "failed to load events", maxErr))
			return
		}
		since := maxID - int64(limit)
		if since < 0 {
			since = 0
		}
		events, err = h.events.ListSince(ctx, tenant.ID, since, limit)
	}
	if err != nil {
		h.logger.Error("list events", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("events_lookup_failed", "failed to load events", err))
		return
	}

	events = filterTypes(events, types)
	out := make([]eventEnvelope, 0, len(events))
	for _, e := range events {
		out = append(out, toEnvelope(e))
	}
	c.JSON(http.StatusOK, out)
}

func splitTypes(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out[t] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func filterTypes(events []models.Event, types map[string]bool) []models.Event {
	if len(types) == 0 {
		return events
	}
	out := make([]models.Event, 0, len(events))
	for _, e := range events {
		if types[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// WS handles GET /v1/events/ws?token=...&tenant_id=...&replay=N&after_event_id=K.
// It is mounted outside AuthMiddleware (the bearer token travels in the
// query string, since browsers cannot set an Authorization header on a
// WebSocket upgrade) and performs its own auth + ownership check before
// upgrading, matching original_source's events_ws.py.
func (h *EventHandler) WS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		apierr.Respond(c, apierr.NewAuthorization("missing_token", "missing token"))
		return
	}
	claims, err := auth.ParseToken(token, h.sessionKey)
	if err != nil || claims.Type != auth.TokenAccess {
		apierr.Respond(c, apierr.NewAuthorization("invalid_token", "invalid or expired token"))
		return
	}

	tenantID := c.Query("tenant_id")
	ctx := c.Request.Context()
	tenant, err := h.tenants.GetByID(ctx, tenantID)
	if err != nil {
		h.logger.Error("get tenant for ws", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("events_ws_failed", "failed to open stream", err))
		return
	}
	if tenant == nil || tenant.OwnerUserID != claims.Subject {
		apierr.Respond(c, apierr.NewForbidden("forbidden", "tenant not found"))
		return
	}

	replay := clampLimit(c.Query("replay"), bus.DefaultReplay, bus.MaxReplay)
	afterEventID := parseAfterEventID(c.Query("after_event_id"))

	sub, backlog, err := h.bus.Subscribe(ctx, tenantID, afterEventID, replay)
	if err != nil {
		h.logger.Error("subscribe", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("events_ws_failed", "failed to open stream", err))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Unsubscribe()
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	defer sub.Unsubscribe()

	if err := conn.WriteJSON(gin.H{"type": "ws.ready", "tenant_id": tenantID, "payload": gin.H{"status": "ok"}}); err != nil {
		return
	}
	for _, e := range backlog {
		if err := conn.WriteJSON(toEnvelope(e)); err != nil {
			return
		}
	}

	// A reader goroutine drains inbound frames (clients don't send any,
	// but WebSocket requires someone reading control frames like pings/
	// close) and signals disconnect so the write loop below can exit.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(wsKeepaliveEvery)
	defer keepalive.Stop()

	for {
		select {
		case <-closed:
			return
		case reason, ok := <-sub.Closed:
			if ok {
				h.logger.Info("websocket subscription closed", zap.String("tenant_id", tenantID), zap.String("reason", string(reason)))
			}
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(toEnvelope(e)); err != nil {
				return
			}
		case <-keepalive.C:
			if err := conn.WriteJSON(gin.H{"type": "ws.keepalive", "tenant_id": tenantID, "payload": gin.H{}}); err != nil {
				return
			}
		}
	}
}
