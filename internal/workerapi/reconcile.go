package workerapi

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/bus"
	"github.com/nexus-run/orchestrator/internal/driver"
	"github.com/nexus-run/orchestrator/internal/models"
	"github.com/nexus-run/orchestrator/internal/repository"
	"github.com/nexus-run/orchestrator/internal/tenantlock"
)

// Reconciler periodically converges each tenant's actual state with what
// the engine reports, re-attaches bridge monitors for anything already
// running, and surfaces orphaned tenant directories the store has lost
// track of. Grounded in original_source's runner app._reconcile_loop.
type Reconciler struct {
	driver   *driver.Driver
	monitor  *driver.Monitor
	bus      *bus.Bus
	tenants  repository.TenantRepository
	locks    *tenantlock.Table
	interval time.Duration
	logger   *zap.Logger

	// announced tracks which tenants the startup pass has already emitted a
	// runtime.status for; later ticks stay silent unless the observed state
	// changes.
	announced map[string]bool
}

// NewReconciler shares the handler's lock table so a reconcile pass never
// races an in-flight lifecycle request for the same tenant.
func NewReconciler(d *driver.Driver, m *driver.Monitor, b *bus.Bus, tenants repository.TenantRepository, locks *tenantlock.Table, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		driver:    d,
		monitor:   m,
		bus:       b,
		tenants:   tenants,
		locks:     locks,
		interval:  interval,
		logger:    logger,
		announced: make(map[string]bool),
	}
}

// Run blocks, reconciling once immediately and then every interval, until
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.tick(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	known, err := r.driver.ListKnownTenantIDs()
	if err != nil {
		r.logger.Error("reconcile: list known tenant ids", zap.Error(err))
		known = nil
	}

	rows, err := r.tenants.ListAll(ctx)
	if err != nil {
		r.logger.Error("reconcile: list tenants", zap.Error(err))
		rows = nil
	}

	seen := make(map[string]bool, len(known)+len(rows))
	for _, id := range known {
		seen[id] = true
	}
	byID := make(map[string]models.Tenant, len(rows))
	for _, t := range rows {
		seen[t.ID] = true
		byID[t.ID] = t
	}

	for tenantID := range seen {
		tenant, tracked := byID[tenantID]
		if !tracked {
			r.cleanOrphan(ctx, tenantID)
			continue
		}
		r.reconcileOne(ctx, tenantID, tenant)
	}
}

// cleanOrphan handles a tenant directory the store has no row for: the
// container (if any) is stopped and its monitor detached. No event is
// published — the event log is keyed by tenants the store knows about.
func (r *Reconciler) cleanOrphan(ctx context.Context, tenantID string) {
	r.logger.Warn("reconcile: orphan tenant, stopping", zap.String("tenant_id", tenantID))
	r.monitor.Stop(tenantID)
	if err := r.driver.Stop(ctx, tenantID); err != nil {
		r.logger.Error("reconcile: stop orphan", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func wantsRunning(desired models.TenantState) bool {
	return desired == models.StateRunning || desired == models.StatePendingPairing
}

// reconcileOne converges one tenant: the engine is driven toward the
// stored desired state (start a container that should be up, stop one that
// should be paused), then the observed outcome is recorded. A
// runtime.status describing it is emitted once on the first pass after
// process start, then only when the observed state differs from what the
// store recorded — a steady-state tick is silent.
func (r *Reconciler) reconcileOne(ctx context.Context, tenantID string, tenant models.Tenant) {
	health, err := r.driver.Health(ctx, tenantID)
	if err != nil {
		r.logger.Warn("reconcile: health check failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}

	if tenant.DesiredState == models.StateDeleted {
		return
	}

	switch {
	case wantsRunning(tenant.DesiredState) && !health.Running:
		unlock := r.locks.Lock(tenantID)
		err := r.driver.Start(ctx, tenantID, "")
		unlock()
		if err != nil {
			r.logger.Error("reconcile: start", zap.String("tenant_id", tenantID), zap.Error(err))
		} else {
			health.Running = true
		}
	case tenant.DesiredState == models.StatePaused && health.Running:
		unlock := r.locks.Lock(tenantID)
		err := r.driver.Stop(ctx, tenantID)
		unlock()
		if err != nil {
			r.logger.Error("reconcile: stop", zap.String("tenant_id", tenantID), zap.Error(err))
		} else {
			health.Running = false
		}
	}

	firstPass := !r.announced[tenantID]
	r.announced[tenantID] = true

	if health.Running {
		r.monitor.Start(tenantID)
		changed := tenant.ActualState != models.StateRunning && tenant.ActualState != models.StatePendingPairing
		if changed {
			if err := r.tenants.UpdateState(ctx, tenantID, tenant.DesiredState, models.StateRunning, ""); err != nil {
				r.logger.Error("reconcile: update state to running", zap.Error(err))
			}
		}
		if changed || firstPass {
			r.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "running", "status": health.Status})
		}
		return
	}

	changed := tenant.ActualState != models.StatePaused && tenant.ActualState != models.StateError
	if changed {
		if err := r.tenants.UpdateState(ctx, tenantID, tenant.DesiredState, models.StatePaused, ""); err != nil {
			r.logger.Error("reconcile: update state to paused", zap.Error(err))
		}
	}
	if changed || firstPass {
		r.publish(ctx, tenantID, "runtime.status", map[string]any{"state": "paused", "status": health.Status})
	}
}

func (r *Reconciler) publish(ctx context.Context, tenantID, eventType string, payload map[string]any) {
	if _, err := r.bus.Publish(ctx, tenantID, eventType, payload); err != nil {
		r.logger.Error("reconcile: publish failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}
