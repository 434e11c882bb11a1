package driver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/bus"
)

// bridgeEnvelope is the untyped shape a tenant runtime's bridge channel
// emits; translating it into the bus's typed event vocabulary is Monitor's
// whole job. Grounded in original_source's monitor.py message handling.
type bridgeEnvelope struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// Monitor dials each running tenant's bridge WebSocket and forwards typed
// events onto the bus, reconnecting with exponential backoff on any
// failure. One goroutine per tenant; Start/Stop are idempotent.
type Monitor struct {
	driver *Driver
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewMonitor(driver *Driver, eventBus *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		driver:  driver,
		bus:     eventBus,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the monitor goroutine for tenantID if it isn't already
// running.
func (m *Monitor) Start(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cancels[tenantID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[tenantID] = cancel
	go m.run(ctx, tenantID)
}

// Stop cancels tenantID's monitor goroutine, if any.
func (m *Monitor) Stop(tenantID string) {
	m.mu.Lock()
	cancel, ok := m.cancels[tenantID]
	delete(m.cancels, tenantID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// ActiveCount reports how many tenant monitors are currently running,
// surfaced on the worker's health endpoint.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

func (m *Monitor) finished(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, tenantID)
}

func (m *Monitor) run(ctx context.Context, tenantID string) {
	defer m.finished(tenantID)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.driver.BridgeWSURL(tenantID), nil)
		if err != nil {
			m.publish(ctx, tenantID, "runtime.error", map[string]any{
				"message":          "bridge_monitor_error: " + err.Error(),
				"retry_in_seconds": backoff.Seconds(),
			})
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		backoff = time.Second
		m.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing"})
		m.readLoop(ctx, tenantID, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (m *Monitor) readLoop(ctx context.Context, tenantID string, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env bridgeEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.publish(ctx, tenantID, "runtime.log", map[string]any{"raw": string(raw)})
			continue
		}
		m.dispatch(ctx, tenantID, env)
	}
}

// dispatch translates one bridge event into the bus's typed vocabulary,
// matching original_source's monitor.py event-name mapping exactly.
func (m *Monitor) dispatch(ctx context.Context, tenantID string, env bridgeEnvelope) {
	switch env.Event {
	case "bridge.qr":
		m.publish(ctx, tenantID, "whatsapp.qr", env.Payload)
	case "bridge.connected":
		m.publish(ctx, tenantID, "whatsapp.connected", env.Payload)
		m.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "running"})
	case "bridge.disconnected":
		m.publish(ctx, tenantID, "whatsapp.disconnected", env.Payload)
		m.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing"})
	case "bridge.inbound_message", "bridge.delivery_receipt":
		m.publish(ctx, tenantID, "whatsapp.connected", map[string]any{"source_event": env.Event})
		m.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "running"})
	case "bridge.error":
		m.publish(ctx, tenantID, "runtime.error", env.Payload)
	case "bridge.ready":
		m.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "pending_pairing"})
	default:
		m.publish(ctx, tenantID, "runtime.log", map[string]any{"bridge_event": env.Event, "payload": env.Payload})
	}
}

func (m *Monitor) publish(ctx context.Context, tenantID, eventType string, payload map[string]any) {
	if _, err := m.bus.Publish(ctx, tenantID, eventType, payload); err != nil {
		m.logger.Error("monitor: publish failed", zap.String("tenant_id", tenantID), zap.String("type", eventType), zap.Error(err))
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
