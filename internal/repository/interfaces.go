package repository

import (
	"context"

	"github.com/nexus-run/orchestrator/internal/models"
)

// Why context.Context as the first parameter on every method?
//   - Idiomatic Go for anything that does I/O (DB, Redis, HTTP).
//   - It carries deadlines: if the HTTP request is cancelled, the DB query
//     gets cancelled too.

// UserRepository handles user accounts. Email lookups are global (login),
// ID lookups are used after a token has already identified the caller.
type UserRepository interface {
	Create(ctx context.Context, email, passwordHash string) (*models.User, error)
	GetByID(ctx context.Context, userID string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// SetCurrentRefreshJTI atomically records the one live refresh token
	// for userID, invalidating any previously issued refresh token.
	SetCurrentRefreshJTI(ctx context.Context, userID, jti string) error
}

// TenantRepository handles the Tenant aggregate: identity, state, and the
// owner relationship that makes "one tenant per user" enforceable at the
// data layer via the owner_user_id unique constraint.
type TenantRepository interface {
	Create(ctx context.Context, tenant *models.Tenant) error
	GetByID(ctx context.Context, tenantID string) (*models.Tenant, error)
	GetByOwnerUserID(ctx context.Context, ownerUserID string) (*models.Tenant, error)

	// UpdateState sets desired/actual state and optional last_error in one
	// statement; either state may be left unchanged by passing its current
	// value back.
	UpdateState(ctx context.Context, tenantID string, desired, actual models.TenantState, lastError string) error
	UpdateHeartbeat(ctx context.Context, tenantID string, heartbeat bool) error

	// ListAll supports the worker's reconciliation loop, which needs every
	// tenant row regardless of owner.
	ListAll(ctx context.Context) ([]models.Tenant, error)
}

// SecretRepository stores the encrypted per-tenant secret blob: bridge
// shared secret and, once connected, Google OAuth tokens. Callers pass
// already-sealed ciphertext; this layer never sees plaintext.
type SecretRepository interface {
	Create(ctx context.Context, tenantID, bridgeSharedSecret string) error
	Get(ctx context.Context, tenantID string) (*models.SecretBlob, error)
	SetGoogleTokens(ctx context.Context, tenantID string, tokenCiphertext []byte, scopes []string) error
	SetGoogleError(ctx context.Context, tenantID, lastError string) error

	// SetAssistantDefaultsVersion records the assistant-defaults marker a
	// tenant's seeded prompts/skills were last bootstrapped against.
	SetAssistantDefaultsVersion(ctx context.Context, tenantID, version string) error

	// ClearGoogle removes a tenant's connected Google OAuth material.
	ClearGoogle(ctx context.Context, tenantID string) error
}

// ConfigRepository manages the versioned env-map history for a tenant.
// Exactly one revision is active per tenant at a time.
type ConfigRepository interface {
	// CreateRevision inserts revision N+1 and, within the same transaction,
	// deactivates the previously active revision.
	CreateRevision(ctx context.Context, tenantID string, env map[string]string) (*models.ConfigRevision, error)
	GetActive(ctx context.Context, tenantID string) (*models.ConfigRevision, error)
}

// PromptRepository manages versioned prompt artefacts, one history per
// (tenant, name).
type PromptRepository interface {
	CreateRevision(ctx context.Context, tenantID, name, content string) (*models.PromptRevision, error)
	GetActive(ctx context.Context, tenantID, name string) (*models.PromptRevision, error)
	ListActive(ctx context.Context, tenantID string) ([]models.PromptRevision, error)
}

// SkillRepository manages versioned skill artefacts, one history per
// (tenant, skillID).
type SkillRepository interface {
	CreateRevision(ctx context.Context, tenantID, skillID, content string) (*models.SkillRevision, error)
	GetActive(ctx context.Context, tenantID, skillID string) (*models.SkillRevision, error)
	ListActive(ctx context.Context, tenantID string) ([]models.SkillRevision, error)
}

// EventRepository is the durable, gapless event log. EventID ordering is
// authoritative: both the WebSocket gateway and the poll endpoint replay
// from this store via ListSince.
type EventRepository interface {
	// Append inserts tenantID's next event and returns it with EventID and
	// CreatedAt populated.
	Append(ctx context.Context, tenantID, eventType string, payload map[string]any) (*models.Event, error)

	// ListSince returns events for tenantID with event_id > afterEventID,
	// oldest first, capped at limit. afterEventID=0 means "from the start".
	ListSince(ctx context.Context, tenantID string, afterEventID int64, limit int) ([]models.Event, error)

	// MaxEventID returns the current highest event_id for tenantID, used as
	// the QR-freshness baseline when pairing starts. Returns 0 if the
	// tenant has no events yet.
	MaxEventID(ctx context.Context, tenantID string) (int64, error)
}
