package workerapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-run/orchestrator/internal/models"
	"github.com/nexus-run/orchestrator/internal/repository"
)

// fakeEventStore is an in-memory EventRepository backing the bus under
// test, gapless and sequential per call just like the real Postgres-backed
// append-only log.
type fakeEventStore struct {
	mu     sync.Mutex
	nextID int64
	events []models.Event
}

func (s *fakeEventStore) Append(_ context.Context, tenantID, eventType string, payload map[string]any) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := models.Event{EventID: s.nextID, TenantID: tenantID, Type: eventType, Payload: payload, CreatedAt: time.Now()}
	s.events = append(s.events, e)
	return &e, nil
}

func (s *fakeEventStore) ListSince(_ context.Context, tenantID string, afterEventID int64, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, e := range s.events {
		if e.EventID > afterEventID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeEventStore) MaxEventID(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].EventID, nil
}

var _ repository.EventRepository = (*fakeEventStore)(nil)

type fakeTenantRepo struct {
	mu      sync.Mutex
	byID    map[string]*models.Tenant
	updates int
}

func newFakeTenantRepo() *fakeTenantRepo {
	return &fakeTenantRepo{byID: map[string]*models.Tenant{}}
}

func (f *fakeTenantRepo) Create(_ context.Context, tenant *models.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[tenant.ID] = tenant
	return nil
}

func (f *fakeTenantRepo) GetByID(_ context.Context, tenantID string) (*models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[tenantID]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return t, nil
}

func (f *fakeTenantRepo) GetByOwnerUserID(context.Context, string) (*models.Tenant, error) {
	return nil, fmt.Errorf("not found")
}

func (f *fakeTenantRepo) UpdateState(_ context.Context, tenantID string, desired, actual models.TenantState, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	t, ok := f.byID[tenantID]
	if !ok {
		t = &models.Tenant{ID: tenantID}
		f.byID[tenantID] = t
	}
	t.DesiredState = desired
	t.ActualState = actual
	t.LastError = lastError
	return nil
}

func (f *fakeTenantRepo) UpdateHeartbeat(context.Context, string, bool) error { return nil }

func (f *fakeTenantRepo) ListAll(_ context.Context) ([]models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Tenant, 0, len(f.byID))
	for _, t := range f.byID {
		out = append(out, *t)
	}
	return out, nil
}

var _ repository.TenantRepository = (*fakeTenantRepo)(nil)

type fakeConfigRepo struct {
	active map[string]*models.ConfigRevision
}

func newFakeConfigRepo() *fakeConfigRepo {
	return &fakeConfigRepo{active: map[string]*models.ConfigRevision{}}
}

func (f *fakeConfigRepo) CreateRevision(_ context.Context, tenantID string, env map[string]string) (*models.ConfigRevision, error) {
	rev := &models.ConfigRevision{TenantID: tenantID, Revision: 1, Env: env, IsActive: true}
	f.active[tenantID] = rev
	return rev, nil
}

func (f *fakeConfigRepo) GetActive(_ context.Context, tenantID string) (*models.ConfigRevision, error) {
	return f.active[tenantID], nil
}

var _ repository.ConfigRepository = (*fakeConfigRepo)(nil)

type fakeSecretRepo struct {
	blobs map[string]*models.SecretBlob
}

func newFakeSecretRepo() *fakeSecretRepo {
	return &fakeSecretRepo{blobs: map[string]*models.SecretBlob{}}
}

func (f *fakeSecretRepo) Create(_ context.Context, tenantID, bridgeSharedSecret string) error {
	f.blobs[tenantID] = &models.SecretBlob{TenantID: tenantID, BridgeSharedSecret: bridgeSharedSecret}
	return nil
}

func (f *fakeSecretRepo) Get(_ context.Context, tenantID string) (*models.SecretBlob, error) {
	return f.blobs[tenantID], nil
}

func (f *fakeSecretRepo) SetGoogleTokens(context.Context, string, []byte, []string) error {
	return nil
}

func (f *fakeSecretRepo) SetGoogleError(context.Context, string, string) error { return nil }

func (f *fakeSecretRepo) SetAssistantDefaultsVersion(context.Context, string, string) error {
	return nil
}

func (f *fakeSecretRepo) ClearGoogle(context.Context, string) error { return nil }

var _ repository.SecretRepository = (*fakeSecretRepo)(nil)
