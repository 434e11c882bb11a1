package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-run/orchestrator/internal/models"
)

type SkillStore struct {
	pool *pgxpool.Pool
}

func NewSkillStore(pool *pgxpool.Pool) *SkillStore {
	return &SkillStore{pool: pool}
}

func (s *SkillStore) CreateRevision(ctx context.Context, tenantID, skillID, content string) (*models.SkillRevision, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var nextRevision int
	err = tx.QueryRow(ctx, `
		SELECT coalesce(max(revision), 0) + 1 FROM skill_revisions WHERE tenant_id = $1 AND skill_id = $2`,
		tenantID, skillID,
	).Scan(&nextRevision)
	if err != nil {
		return nil, fmt.Errorf("compute next revision: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE skill_revisions SET is_active = false WHERE tenant_id = $1 AND skill_id = $2 AND is_active`, tenantID, skillID); err != nil {
		return nil, fmt.Errorf("deactivate previous revision: %w", err)
	}

	var rev models.SkillRevision
	err = tx.QueryRow(ctx, `
		INSERT INTO skill_revisions (tenant_id, skill_id, revision, content, is_active, created_at)
		VALUES ($1, $2, $3, $4, true, now())
		RETURNING tenant_id, skill_id, revision, content, is_active, created_at`,
		tenantID, skillID, nextRevision, content,
	).Scan(&rev.TenantID, &rev.SkillID, &rev.Revision, &rev.Content, &rev.IsActive, &rev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert skill revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit skill revision: %w", err)
	}
	return &rev, nil
}

func (s *SkillStore) GetActive(ctx context.Context, tenantID, skillID string) (*models.SkillRevision, error) {
	var rev models.SkillRevision
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, skill_id, revision, content, is_active, created_at
		FROM skill_revisions
		WHERE tenant_id = $1 AND skill_id = $2 AND is_active`,
		tenantID, skillID,
	).Scan(&rev.TenantID, &rev.SkillID, &rev.Revision, &rev.Content, &rev.IsActive, &rev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active skill revision: %w", err)
	}
	return &rev, nil
}

func (s *SkillStore) ListActive(ctx context.Context, tenantID string) ([]models.SkillRevision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, skill_id, revision, content, is_active, created_at
		FROM skill_revisions
		WHERE tenant_id = $1 AND is_active
		ORDER BY skill_id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active skills: %w", err)
	}
	defer rows.Close()

	revs := make([]models.SkillRevision, 0)
	for rows.Next() {
		var rev models.SkillRevision
		if err := rows.Scan(&rev.TenantID, &rev.SkillID, &rev.Revision, &rev.Content, &rev.IsActive, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan skill revision: %w", err)
		}
		revs = append(revs, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate skill revisions: %w", err)
	}
	return revs, nil
}
