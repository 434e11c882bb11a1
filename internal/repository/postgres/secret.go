package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-run/orchestrator/internal/models"
)

type SecretStore struct {
	pool *pgxpool.Pool
}

func NewSecretStore(pool *pgxpool.Pool) *SecretStore {
	return &SecretStore{pool: pool}
}

// Create seeds the one secret row a tenant ever has. bridgeSharedSecret
// arrives already sealed (base64 ciphertext, AAD-bound to the tenant id);
// this layer never sees the plaintext. Google tokens, once connected, are
// likewise stored only as sealed ciphertext via SetGoogleTokens.
func (s *SecretStore) Create(ctx context.Context, tenantID, bridgeSharedSecret string) error {
	query := `
		INSERT INTO tenant_secrets (tenant_id, bridge_shared_secret, updated_at)
		VALUES ($1, $2, now())`
	_, err := s.pool.Exec(ctx, query, tenantID, bridgeSharedSecret)
	if err != nil {
		return fmt.Errorf("insert tenant secret: %w", err)
	}
	return nil
}

func (s *SecretStore) Get(ctx context.Context, tenantID string) (*models.SecretBlob, error) {
	query := `
		SELECT tenant_id, bridge_shared_secret, assistant_defaults_ver,
		       google_token_ciphertext, google_scopes, google_connected_at, coalesce(google_last_error, '')
		FROM tenant_secrets
		WHERE tenant_id = $1`

	var b models.SecretBlob
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(
		&b.TenantID, &b.BridgeSharedSecret, &b.AssistantDefaultsVer,
		&b.GoogleTokenJSON, &b.GoogleScopes, &b.GoogleConnectedAt, &b.GoogleLastError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tenant secret: %w", err)
	}
	return &b, nil
}

func (s *SecretStore) SetGoogleTokens(ctx context.Context, tenantID string, tokenCiphertext []byte, scopes []string) error {
	query := `
		UPDATE tenant_secrets
		SET google_token_ciphertext = $1, google_scopes = $2, google_connected_at = now(), google_last_error = NULL, updated_at = now()
		WHERE tenant_id = $3`
	_, err := s.pool.Exec(ctx, query, tokenCiphertext, scopes, tenantID)
	if err != nil {
		return fmt.Errorf("set google tokens: %w", err)
	}
	return nil
}

func (s *SecretStore) SetGoogleError(ctx context.Context, tenantID, lastError string) error {
	query := `UPDATE tenant_secrets SET google_last_error = $1, updated_at = now() WHERE tenant_id = $2`
	_, err := s.pool.Exec(ctx, query, lastError, tenantID)
	if err != nil {
		return fmt.Errorf("set google error: %w", err)
	}
	return nil
}

func (s *SecretStore) SetAssistantDefaultsVersion(ctx context.Context, tenantID, version string) error {
	query := `UPDATE tenant_secrets SET assistant_defaults_ver = $1, updated_at = now() WHERE tenant_id = $2`
	_, err := s.pool.Exec(ctx, query, version, tenantID)
	if err != nil {
		return fmt.Errorf("set assistant defaults version: %w", err)
	}
	return nil
}

func (s *SecretStore) ClearGoogle(ctx context.Context, tenantID string) error {
	query := `
		UPDATE tenant_secrets
		SET google_token_ciphertext = NULL, google_scopes = '{}', google_connected_at = NULL, google_last_error = NULL, updated_at = now()
		WHERE tenant_id = $1`
	_, err := s.pool.Exec(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("clear google connection: %w", err)
	}
	return nil
}
