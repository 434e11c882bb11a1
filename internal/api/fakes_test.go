package api

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nexus-run/orchestrator/internal/models"
)

// The fakes below implement the repository interfaces entirely in memory so
// handler tests exercise real request/response wiring without a database.

type fakeUserRepo struct {
	mu    sync.Mutex
	byID  map[string]*models.User
	byEml map[string]*models.User
	seq   int
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byID: map[string]*models.User{}, byEml: map[string]*models.User{}}
}

func (r *fakeUserRepo) Create(_ context.Context, email, passwordHash string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEml[email]; exists {
		return nil, &pgconn.PgError{Code: postgresUniqueViolation}
	}
	r.seq++
	u := &models.User{ID: itoa(r.seq), Email: email, PasswordHash: passwordHash, CreatedAt: time.Now()}
	r.byID[u.ID] = u
	r.byEml[email] = u
	return u, nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, userID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[userID], nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEml[email], nil
}

func (r *fakeUserRepo) SetCurrentRefreshJTI(_ context.Context, userID, jti string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[userID]; ok {
		u.CurrentRefreshJTI = jti
	}
	return nil
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

type fakeTenantRepo struct {
	mu      sync.Mutex
	byID    map[string]*models.Tenant
	byOwner map[string]string
}

func newFakeTenantRepo() *fakeTenantRepo {
	return &fakeTenantRepo{byID: map[string]*models.Tenant{}, byOwner: map[string]string{}}
}

func (r *fakeTenantRepo) Create(_ context.Context, tenant *models.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byOwner[tenant.OwnerUserID]; exists {
		return &pgconn.PgError{Code: postgresUniqueViolation}
	}
	cp := *tenant
	cp.CreatedAt = time.Now()
	r.byID[tenant.ID] = &cp
	r.byOwner[tenant.OwnerUserID] = tenant.ID
	return nil
}

func (r *fakeTenantRepo) GetByID(_ context.Context, tenantID string) (*models.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[tenantID], nil
}

func (r *fakeTenantRepo) GetByOwnerUserID(_ context.Context, ownerUserID string) (*models.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byOwner[ownerUserID]
	if !ok {
		return nil, nil
	}
	return r.byID[id], nil
}

func (r *fakeTenantRepo) UpdateState(_ context.Context, tenantID string, desired, actual models.TenantState, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[tenantID]
	if !ok {
		return nil
	}
	t.DesiredState = desired
	t.ActualState = actual
	t.LastError = lastError
	return nil
}

func (r *fakeTenantRepo) UpdateHeartbeat(_ context.Context, tenantID string, heartbeat bool) error {
	return nil
}

func (r *fakeTenantRepo) ListAll(_ context.Context) ([]models.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Tenant, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, *t)
	}
	return out, nil
}

type fakeConfigRepo struct {
	mu      sync.Mutex
	active  map[string]*models.ConfigRevision
	nextRev map[string]int
}

func newFakeConfigRepo() *fakeConfigRepo {
	return &fakeConfigRepo{active: map[string]*models.ConfigRevision{}, nextRev: map[string]int{}}
}

func (r *fakeConfigRepo) CreateRevision(_ context.Context, tenantID string, env map[string]string) (*models.ConfigRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.nextRev[tenantID] + 1
	if a := r.active[tenantID]; a != nil && a.Revision >= next {
		next = a.Revision + 1
	}
	r.nextRev[tenantID] = next
	rev := &models.ConfigRevision{TenantID: tenantID, Revision: next, Env: env, IsActive: true, CreatedAt: time.Now()}
	r.active[tenantID] = rev
	return rev, nil
}

func (r *fakeConfigRepo) GetActive(_ context.Context, tenantID string) (*models.ConfigRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[tenantID], nil
}

type fakePromptRepo struct {
	mu      sync.Mutex
	active  map[string]map[string]*models.PromptRevision
	nextRev map[string]int
}

func newFakePromptRepo() *fakePromptRepo {
	return &fakePromptRepo{active: map[string]map[string]*models.PromptRevision{}, nextRev: map[string]int{}}
}

func (r *fakePromptRepo) CreateRevision(_ context.Context, tenantID, name, content string) (*models.PromptRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenantID + "/" + name
	r.nextRev[key]++
	rev := &models.PromptRevision{TenantID: tenantID, Name: name, Revision: r.nextRev[key], Content: content, IsActive: true, CreatedAt: time.Now()}
	if r.active[tenantID] == nil {
		r.active[tenantID] = map[string]*models.PromptRevision{}
	}
	r.active[tenantID][name] = rev
	return rev, nil
}

func (r *fakePromptRepo) GetActive(_ context.Context, tenantID, name string) (*models.PromptRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[tenantID][name], nil
}

func (r *fakePromptRepo) ListActive(_ context.Context, tenantID string) ([]models.PromptRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PromptRevision, 0, len(r.active[tenantID]))
	for _, rev := range r.active[tenantID] {
		out = append(out, *rev)
	}
	return out, nil
}

type fakeSkillRepo struct {
	mu      sync.Mutex
	active  map[string]map[string]*models.SkillRevision
	nextRev map[string]int
}

func newFakeSkillRepo() *fakeSkillRepo {
	return &fakeSkillRepo{active: map[string]map[string]*models.SkillRevision{}, nextRev: map[string]int{}}
}

func (r *fakeSkillRepo) CreateRevision(_ context.Context, tenantID, skillID, content string) (*models.SkillRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenantID + "/" + skillID
	r.nextRev[key]++
	rev := &models.SkillRevision{TenantID: tenantID, SkillID: skillID, Revision: r.nextRev[key], Content: content, IsActive: true, CreatedAt: time.Now()}
	if r.active[tenantID] == nil {
		r.active[tenantID] = map[string]*models.SkillRevision{}
	}
	r.active[tenantID][skillID] = rev
	return rev, nil
}

func (r *fakeSkillRepo) GetActive(_ context.Context, tenantID, skillID string) (*models.SkillRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[tenantID][skillID], nil
}

func (r *fakeSkillRepo) ListActive(_ context.Context, tenantID string) ([]models.SkillRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SkillRevision, 0, len(r.active[tenantID]))
	for _, rev := range r.active[tenantID] {
		out = append(out, *rev)
	}
	return out, nil
}

type fakeSecretRepo struct {
	mu      sync.Mutex
	secrets map[string]*models.SecretBlob
}

func newFakeSecretRepo() *fakeSecretRepo {
	return &fakeSecretRepo{secrets: map[string]*models.SecretBlob{}}
}

func (r *fakeSecretRepo) Create(_ context.Context, tenantID, bridgeSharedSecret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[tenantID] = &models.SecretBlob{TenantID: tenantID, BridgeSharedSecret: bridgeSharedSecret}
	return nil
}

func (r *fakeSecretRepo) Get(_ context.Context, tenantID string) (*models.SecretBlob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.secrets[tenantID], nil
}

func (r *fakeSecretRepo) SetGoogleTokens(_ context.Context, tenantID string, tokenCiphertext []byte, scopes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.secrets[tenantID]
	if !ok {
		return nil
	}
	now := time.Now()
	s.GoogleTokenJSON = tokenCiphertext
	s.GoogleScopes = scopes
	s.GoogleConnectedAt = &now
	return nil
}

func (r *fakeSecretRepo) SetGoogleError(_ context.Context, tenantID, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.secrets[tenantID]; ok {
		s.GoogleLastError = lastError
	}
	return nil
}

func (r *fakeSecretRepo) SetAssistantDefaultsVersion(_ context.Context, tenantID, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.secrets[tenantID]; ok {
		s.AssistantDefaultsVer = version
	}
	return nil
}

func (r *fakeSecretRepo) ClearGoogle(_ context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.secrets[tenantID]; ok {
		s.GoogleTokenJSON = nil
		s.GoogleScopes = nil
		s.GoogleConnectedAt = nil
	}
	return nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events map[string][]models.Event
	nextID int64
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: map[string][]models.Event{}}
}

func (r *fakeEventRepo) Append(_ context.Context, tenantID, eventType string, payload map[string]any) (*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e := models.Event{EventID: r.nextID, TenantID: tenantID, Type: eventType, Payload: payload, CreatedAt: time.Now()}
	r.events[tenantID] = append(r.events[tenantID], e)
	return &e, nil
}

func (r *fakeEventRepo) ListSince(_ context.Context, tenantID string, afterEventID int64, limit int) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events[tenantID] {
		if e.EventID > afterEventID {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeEventRepo) MaxEventID(_ context.Context, tenantID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events[tenantID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].EventID, nil
}
