package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-run/orchestrator/internal/models"
)

type PromptStore struct {
	pool *pgxpool.Pool
}

func NewPromptStore(pool *pgxpool.Pool) *PromptStore {
	return &PromptStore{pool: pool}
}

func (s *PromptStore) CreateRevision(ctx context.Context, tenantID, name, content string) (*models.PromptRevision, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var nextRevision int
	err = tx.QueryRow(ctx, `
		SELECT coalesce(max(revision), 0) + 1 FROM prompt_revisions WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	).Scan(&nextRevision)
	if err != nil {
		return nil, fmt.Errorf("compute next revision: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE prompt_revisions SET is_active = false WHERE tenant_id = $1 AND name = $2 AND is_active`, tenantID, name); err != nil {
		return nil, fmt.Errorf("deactivate previous revision: %w", err)
	}

	var rev models.PromptRevision
	err = tx.QueryRow(ctx, `
		INSERT INTO prompt_revisions (tenant_id, name, revision, content, is_active, created_at)
		VALUES ($1, $2, $3, $4, true, now())
		RETURNING tenant_id, name, revision, content, is_active, created_at`,
		tenantID, name, nextRevision, content,
	).Scan(&rev.TenantID, &rev.Name, &rev.Revision, &rev.Content, &rev.IsActive, &rev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert prompt revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit prompt revision: %w", err)
	}
	return &rev, nil
}

func (s *PromptStore) GetActive(ctx context.Context, tenantID, name string) (*models.PromptRevision, error) {
	var rev models.PromptRevision
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, name, revision, content, is_active, created_at
		FROM prompt_revisions
		WHERE tenant_id = $1 AND name = $2 AND is_active`,
		tenantID, name,
	).Scan(&rev.TenantID, &rev.Name, &rev.Revision, &rev.Content, &rev.IsActive, &rev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active prompt revision: %w", err)
	}
	return &rev, nil
}

func (s *PromptStore) ListActive(ctx context.Context, tenantID string) ([]models.PromptRevision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, name, revision, content, is_active, created_at
		FROM prompt_revisions
		WHERE tenant_id = $1 AND is_active
		ORDER BY name ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active prompts: %w", err)
	}
	defer rows.Close()

	revs := make([]models.PromptRevision, 0)
	for rows.Next() {
		var rev models.PromptRevision
		if err := rows.Scan(&rev.TenantID, &rev.Name, &rev.Revision, &rev.Content, &rev.IsActive, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt revision: %w", err)
		}
		revs = append(revs, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt revisions: %w", err)
	}
	return revs, nil
}
