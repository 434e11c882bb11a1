package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-run/orchestrator/internal/models"
)

type TenantStore struct {
	pool *pgxpool.Pool
}

func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{pool: pool}
}

// Create inserts tenant with ID and OwnerUserID already set by the caller
// (tenant IDs are short hex tokens, not UUIDs, to match the container and
// network naming conventions the worker derives from them). owner_user_id
// is UNIQUE, so a second call for the same owner returns a Postgres
// unique-violation the caller maps to a Conflict apierr.
func (s *TenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	query := `
		INSERT INTO tenants (id, owner_user_id, desired_state, actual_state, nexus_image, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at`

	return s.pool.QueryRow(ctx, query,
		tenant.ID, tenant.OwnerUserID, tenant.DesiredState, tenant.ActualState, tenant.NexusImage,
	).Scan(&tenant.CreatedAt)
}

func (s *TenantStore) GetByID(ctx context.Context, tenantID string) (*models.Tenant, error) {
	query := `
		SELECT id, owner_user_id, desired_state, actual_state, last_heartbeat, coalesce(last_error, ''), nexus_image, created_at
		FROM tenants
		WHERE id = $1`
	return scanTenant(s.pool.QueryRow(ctx, query, tenantID))
}

func (s *TenantStore) GetByOwnerUserID(ctx context.Context, ownerUserID string) (*models.Tenant, error) {
	query := `
		SELECT id, owner_user_id, desired_state, actual_state, last_heartbeat, coalesce(last_error, ''), nexus_image, created_at
		FROM tenants
		WHERE owner_user_id = $1`
	return scanTenant(s.pool.QueryRow(ctx, query, ownerUserID))
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.OwnerUserID, &t.DesiredState, &t.ActualState, &t.LastHeartbeat, &t.LastError, &t.NexusImage, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *TenantStore) UpdateState(ctx context.Context, tenantID string, desired, actual models.TenantState, lastError string) error {
	query := `
		UPDATE tenants
		SET desired_state = $1, actual_state = $2, last_error = nullif($3, '')
		WHERE id = $4`
	_, err := s.pool.Exec(ctx, query, desired, actual, lastError, tenantID)
	if err != nil {
		return fmt.Errorf("update tenant state: %w", err)
	}
	return nil
}

func (s *TenantStore) UpdateHeartbeat(ctx context.Context, tenantID string, heartbeat bool) error {
	var query string
	if heartbeat {
		query = `UPDATE tenants SET last_heartbeat = now() WHERE id = $1`
	} else {
		query = `UPDATE tenants SET last_heartbeat = NULL WHERE id = $1`
	}
	_, err := s.pool.Exec(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("update tenant heartbeat: %w", err)
	}
	return nil
}

func (s *TenantStore) ListAll(ctx context.Context) ([]models.Tenant, error) {
	query := `
		SELECT id, owner_user_id, desired_state, actual_state, last_heartbeat, coalesce(last_error, ''), nexus_image, created_at
		FROM tenants
		WHERE desired_state != 'deleted'
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	tenants := make([]models.Tenant, 0)
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.OwnerUserID, &t.DesiredState, &t.ActualState, &t.LastHeartbeat, &t.LastError, &t.NexusImage, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return tenants, nil
}
