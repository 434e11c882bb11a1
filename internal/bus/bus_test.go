package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/models"
)

// fakeEventStore is an in-memory repository.EventRepository, append-only and
// gapless like the real Postgres table, so bus tests exercise the same
// ordering guarantees without a database.
type fakeEventStore struct {
	mu     sync.Mutex
	events map[string][]models.Event
	nextID int64
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string][]models.Event)}
}

func (s *fakeEventStore) Append(_ context.Context, tenantID, eventType string, payload map[string]any) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := models.Event{
		EventID:   s.nextID,
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Unix(0, s.nextID),
	}
	s.events[tenantID] = append(s.events[tenantID], e)
	return &e, nil
}

func (s *fakeEventStore) ListSince(_ context.Context, tenantID string, afterEventID int64, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, e := range s.events[tenantID] {
		if e.EventID > afterEventID {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeEventStore) MaxEventID(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[tenantID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].EventID, nil
}

func setupTestBus(t *testing.T) (*Bus, *fakeEventStore, context.Context) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := newFakeEventStore()
	b := New(client, store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	return b, store, ctx
}

func TestBusPublishSubscribeOrdering(t *testing.T) {
	b, _, ctx := setupTestBus(t)

	sub, backlog, err := b.Subscribe(ctx, "tenant-1", 0, DefaultReplay)
	require.NoError(t, err)
	assert.Empty(t, backlog)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, "tenant-1", "runtime.status", map[string]any{"n": i})
		require.NoError(t, err)
	}

	var received []models.Event
	for i := 0; i < 5; i++ {
		select {
		case e := <-sub.Events:
			received = append(received, e)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	for i, e := range received {
		assert.Equal(t, int64(i+1), e.EventID)
		assert.Equal(t, "runtime.status", e.Type)
	}
}

func TestBusSubscribeReplayAfterEventID(t *testing.T) {
	b, store, ctx := setupTestBus(t)

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "tenant-2", "event.seed", nil)
		require.NoError(t, err)
	}

	sub, backlog, err := b.Subscribe(ctx, "tenant-2", 7, DefaultReplay)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Len(t, backlog, 3)
	assert.Equal(t, int64(8), backlog[0].EventID)
	assert.Equal(t, int64(10), backlog[2].EventID)
}

func TestBusSubscribeReplayLastN(t *testing.T) {
	b, store, ctx := setupTestBus(t)

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "tenant-3", "event.seed", nil)
		require.NoError(t, err)
	}

	sub, backlog, err := b.Subscribe(ctx, "tenant-3", 0, 4)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Len(t, backlog, 4)
	assert.Equal(t, int64(7), backlog[0].EventID)
	assert.Equal(t, int64(10), backlog[3].EventID)
}

func TestBusSubscribeReplayClampedToMax(t *testing.T) {
	b, store, ctx := setupTestBus(t)
	for i := 0; i < MaxReplay+10; i++ {
		_, err := store.Append(ctx, "tenant-4", "runtime.status", nil)
		require.NoError(t, err)
	}

	sub, backlog, err := b.Subscribe(ctx, "tenant-4", 0, MaxReplay*10)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Len(t, backlog, MaxReplay)
	assert.Equal(t, int64(MaxReplay+10), backlog[len(backlog)-1].EventID)
}

// TestBusLaggingSubscriberDropped verifies a slow consumer is disconnected
// with ReasonLagging rather than allowed to stall publishing to everyone
// else once its bounded channel fills up.
func TestBusLaggingSubscriberDropped(t *testing.T) {
	b, _, ctx := setupTestBus(t)

	slow, _, err := b.Subscribe(ctx, "tenant-5", 0, 0)
	require.NoError(t, err)
	defer slow.Unsubscribe()

	fast, _, err := b.Subscribe(ctx, "tenant-5", 0, 0)
	require.NoError(t, err)
	defer fast.Unsubscribe()

	// Publish more than the subscriber buffer can hold without draining
	// `slow`; `fast` is drained concurrently so it keeps receiving.
	total := subscriberBufferSize + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			<-fast.Events
		}
	}()

	for i := 0; i < total; i++ {
		_, err := b.Publish(ctx, "tenant-5", "load.test", nil)
		require.NoError(t, err)
	}

	select {
	case reason, ok := <-slow.Closed:
		require.True(t, ok)
		assert.Equal(t, ReasonLagging, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("expected slow subscriber to be dropped as lagging")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fast subscriber did not drain in time")
	}
}

// TestBusOwnAnnouncementNotRedelivered guards against double delivery: the
// publishing process pushes to its local subscribers directly, so the
// announcement it hears back from Redis must be skipped.
func TestBusOwnAnnouncementNotRedelivered(t *testing.T) {
	b, _, ctx := setupTestBus(t)

	sub, _, err := b.Subscribe(ctx, "tenant-8", 0, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = b.Publish(ctx, "tenant-8", "runtime.status", nil)
	require.NoError(t, err)

	select {
	case e := <-sub.Events:
		assert.Equal(t, int64(1), e.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-sub.Events:
		t.Fatalf("event %d delivered twice", e.EventID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBusUnsubscribeIsIdempotent(t *testing.T) {
	b, _, ctx := setupTestBus(t)

	sub, _, err := b.Subscribe(ctx, "tenant-6", 0, 0)
	require.NoError(t, err)

	sub.Unsubscribe()
	assert.NotPanics(t, func() { sub.Unsubscribe() })
}

func TestBusMaxEventID(t *testing.T) {
	b, store, ctx := setupTestBus(t)

	maxID, err := b.MaxEventID(ctx, "tenant-7")
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxID)

	_, err = store.Append(ctx, "tenant-7", "whatsapp.qr", nil)
	require.NoError(t, err)

	maxID, err = b.MaxEventID(ctx, "tenant-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), maxID)
}
