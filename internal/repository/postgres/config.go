package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-run/orchestrator/internal/models"
)

type ConfigStore struct {
	pool *pgxpool.Pool
}

func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// CreateRevision inserts the next revision number for tenantID and flips
// is_active so exactly one revision is active at a time. Both statements
// run in one transaction: a crash between them must never leave a tenant
// with zero or two active revisions.
func (s *ConfigStore) CreateRevision(ctx context.Context, tenantID string, env map[string]string) (*models.ConfigRevision, error) {
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal env: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var nextRevision int
	err = tx.QueryRow(ctx, `
		SELECT coalesce(max(revision), 0) + 1 FROM config_revisions WHERE tenant_id = $1`,
		tenantID,
	).Scan(&nextRevision)
	if err != nil {
		return nil, fmt.Errorf("compute next revision: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE config_revisions SET is_active = false WHERE tenant_id = $1 AND is_active`, tenantID); err != nil {
		return nil, fmt.Errorf("deactivate previous revision: %w", err)
	}

	var rev models.ConfigRevision
	err = tx.QueryRow(ctx, `
		INSERT INTO config_revisions (tenant_id, revision, env_json, is_active, created_at)
		VALUES ($1, $2, $3, true, now())
		RETURNING tenant_id, revision, env_json, is_active, created_at`,
		tenantID, nextRevision, envJSON,
	).Scan(&rev.TenantID, &rev.Revision, &envJSON, &rev.IsActive, &rev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert config revision: %w", err)
	}
	if err := json.Unmarshal(envJSON, &rev.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit config revision: %w", err)
	}
	return &rev, nil
}

func (s *ConfigStore) GetActive(ctx context.Context, tenantID string) (*models.ConfigRevision, error) {
	var rev models.ConfigRevision
	var envJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, revision, env_json, is_active, created_at
		FROM config_revisions
		WHERE tenant_id = $1 AND is_active`,
		tenantID,
	).Scan(&rev.TenantID, &rev.Revision, &envJSON, &rev.IsActive, &rev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active config revision: %w", err)
	}
	if err := json.Unmarshal(envJSON, &rev.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	return &rev, nil
}
