package models

import "time"

// TenantState is the shared vocabulary for both desired and actual tenant
// state. The worker's reconcile loop drives actual toward desired.
type TenantState string

const (
	StateProvisioning   TenantState = "provisioning"
	StateRunning        TenantState = "running"
	StatePaused         TenantState = "paused"
	StatePendingPairing TenantState = "pending_pairing"
	StateError          TenantState = "error"
	StateDeleted        TenantState = "deleted"
)

// User owns at most one tenant at a time.
type User struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"-"`
	CurrentRefreshJTI string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// Tenant is a user's isolated runtime environment: container + volumes +
// config + prompts. DesiredState is what the control plane wants; ActualState
// is what the worker last observed from the engine.
type Tenant struct {
	ID            string      `json:"id"`
	OwnerUserID   string      `json:"owner_user_id"`
	DesiredState  TenantState `json:"desired_state"`
	ActualState   TenantState `json:"actual_state"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	NexusImage    string      `json:"nexus_image"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ConfigRevision is one monotonically increasing version of a tenant's env
// map. Exactly one revision per tenant is active at a time.
type ConfigRevision struct {
	TenantID  string            `json:"tenant_id"`
	Revision  int               `json:"revision"`
	Env       map[string]string `json:"env_json"`
	IsActive  bool              `json:"is_active"`
	CreatedAt time.Time         `json:"created_at"`
}

// PromptRevision is one version of a named prompt artefact.
type PromptRevision struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Revision  int       `json:"revision"`
	Content   string    `json:"content"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// SkillRevision is one version of a named skill artefact.
type SkillRevision struct {
	TenantID  string    `json:"tenant_id"`
	SkillID   string    `json:"skill_id"`
	Revision  int       `json:"revision"`
	Content   string    `json:"content"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is an append-only fact. EventID ordering is the authoritative
// delivery order across both the WebSocket and poll surfaces.
type Event struct {
	EventID   int64          `json:"event_id"`
	TenantID  string         `json:"tenant_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// SecretBlob holds tenant material that must never appear in logs or event
// payloads: the bridge shared secret and, once connected, Google OAuth
// tokens. Both are stored sealed (internal/secretcrypto) — BridgeSharedSecret
// is base64 ciphertext, opened only by the worker when it writes the
// env-file.
type SecretBlob struct {
	TenantID             string     `json:"tenant_id"`
	BridgeSharedSecret   string     `json:"bridge_shared_secret"`
	AssistantDefaultsVer string     `json:"assistant_defaults_version"`
	GoogleTokenJSON      []byte     `json:"-"`
	GoogleScopes         []string   `json:"-"`
	GoogleConnectedAt    *time.Time `json:"-"`
	GoogleLastError      string     `json:"-"`
}

// ConfigKeySensitivePattern matches env keys that must be redacted from any
// log line or event payload.
const ConfigKeySensitivePattern = `(KEY|SECRET|TOKEN|PASSWORD)`
