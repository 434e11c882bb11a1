// Package bus is the ordered, tenant-scoped event fanout described in
// spec component B: publish persists to Postgres first (event_id is
// gapless and monotonic because repository/postgres/event.go's single INSERT ... RETURNING is
// the only writer), then announces the new event_id on Redis pub/sub so
// every process's in-memory subscriber set can pull the durable row and
// forward it. The durable log is also how bounded replay and the poll
// endpoint are served, so WebSocket and poll delivery are guaranteed
// consistent per spec.md §4.G.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/models"
	"github.com/nexus-run/orchestrator/internal/repository"
)

const (
	// DefaultReplay is the number of historic events a fresh WebSocket
	// subscription replays when no after_event_id is given.
	DefaultReplay = 80
	// MaxReplay bounds a caller-supplied replay count.
	MaxReplay = 200
	// subscriberBufferSize bounds how far a subscriber may lag before it is
	// dropped instead of stalling the publisher.
	subscriberBufferSize = 256

	channelPrefix = "nexus:tenant-events:"
)

// announcement is the tiny payload published on Redis — just enough for a
// subscriber to know it must go re-read the durable log starting after its
// last-seen event_id. The event body itself is never trusted from Redis;
// Postgres is the only source of truth. Origin identifies the publishing
// process so it can skip its own announcement (it already delivered to its
// local subscribers directly).
type announcement struct {
	Origin   string `json:"origin"`
	TenantID string `json:"tenant_id"`
	EventID  int64  `json:"event_id"`
}

// Reason explains why a subscription's channel was closed.
type Reason string

const (
	ReasonUnsubscribed Reason = "unsubscribed"
	ReasonLagging      Reason = "lagging"
)

// Subscription delivers ordered events for one tenant to one consumer.
type Subscription struct {
	Events <-chan models.Event
	Closed <-chan Reason

	bus      *Bus
	tenantID string
	id       uint64
}

// Unsubscribe detaches the subscription from the bus. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.tenantID, s.id, ReasonUnsubscribed)
}

type subscriber struct {
	id     uint64
	events chan models.Event
	closed chan Reason
	once   sync.Once
}

// Bus is the process-local fanout; every control-plane and worker process
// runs one, kept in sync by Redis pub/sub announcements.
type Bus struct {
	events     *redis.Client
	store      repository.EventRepository
	logger     *zap.Logger
	instanceID string

	mu          sync.Mutex
	subscribers map[string]map[uint64]*subscriber
	nextID      uint64
}

func New(redisClient *redis.Client, store repository.EventRepository, logger *zap.Logger) *Bus {
	return &Bus{
		events:      redisClient,
		store:       store,
		logger:      logger,
		instanceID:  uuid.NewString(),
		subscribers: make(map[string]map[uint64]*subscriber),
	}
}

// Run starts the Redis subscribe loop and blocks until ctx is cancelled.
// Call it once per process in a goroutine.
func (b *Bus) Run(ctx context.Context) error {
	pubsub := b.events.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ann announcement
			if err := json.Unmarshal([]byte(msg.Payload), &ann); err != nil {
				b.logger.Warn("bus: malformed announcement", zap.Error(err))
				continue
			}
			if ann.Origin == b.instanceID {
				continue
			}
			b.deliver(ctx, ann.TenantID, ann.EventID)
		}
	}
}

// Publish persists an event for tenantID and announces it on Redis. It
// returns the durable event, including its assigned event_id.
func (b *Bus) Publish(ctx context.Context, tenantID, eventType string, payload map[string]any) (*models.Event, error) {
	event, err := b.store.Append(ctx, tenantID, eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	ann, err := json.Marshal(announcement{Origin: b.instanceID, TenantID: tenantID, EventID: event.EventID})
	if err != nil {
		return nil, fmt.Errorf("marshal announcement: %w", err)
	}
	if err := b.events.Publish(ctx, channelPrefix+tenantID, ann).Err(); err != nil {
		// The event is already durable; a missed announcement only delays
		// live delivery to subscribers on OTHER processes — this process's
		// own subscribers still get it via the direct deliver call below.
		b.logger.Warn("bus: publish announcement failed", zap.Error(err), zap.String("tenant_id", tenantID))
	}

	b.deliver(ctx, tenantID, event.EventID)
	return event, nil
}

// deliver re-reads the single event eventID from the durable log and pushes
// it to every local subscriber of tenantID; a subscriber whose buffer is
// full is dropped as lagging. Only the announced event is sent: an event
// whose announcement this process missed is not re-delivered here.
func (b *Bus) deliver(ctx context.Context, tenantID string, eventID int64) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers[tenantID]))
	for _, sub := range b.subscribers[tenantID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	events, err := b.store.ListSince(ctx, tenantID, eventID-1, 1)
	if err != nil {
		b.logger.Error("bus: reload event for delivery", zap.Error(err), zap.String("tenant_id", tenantID))
		return
	}
	if len(events) == 0 {
		return
	}
	event := events[0]

	for _, sub := range subs {
		select {
		case sub.events <- event:
		default:
			b.logger.Warn("bus: subscriber lagging, dropping", zap.String("tenant_id", tenantID), zap.Uint64("subscriber_id", sub.id))
			b.remove(tenantID, sub.id, ReasonLagging)
		}
	}
}

// Subscribe attaches a new subscription for tenantID and replays history:
// if afterEventID > 0, events with id > afterEventID (up to replay); else
// the most recent `replay` events. replay <= 0 means DefaultReplay, and
// values above MaxReplay are clamped to MaxReplay.
func (b *Bus) Subscribe(ctx context.Context, tenantID string, afterEventID int64, replay int) (*Subscription, []models.Event, error) {
	if replay <= 0 {
		replay = DefaultReplay
	}
	if replay > MaxReplay {
		replay = MaxReplay
	}

	var backlog []models.Event
	var err error
	if afterEventID > 0 {
		backlog, err = b.store.ListSince(ctx, tenantID, afterEventID, replay)
	} else {
		maxID, maxErr := b.store.MaxEventID(ctx, tenantID)
		if maxErr != nil {
			return nil, nil, fmt.Errorf("max event id: %w", maxErr)
		}
		since := maxID - int64(replay)
		if since < 0 {
			since = 0
		}
		backlog, err = b.store.ListSince(ctx, tenantID, since, replay)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("replay events: %w", err)
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{
		id:     id,
		events: make(chan models.Event, subscriberBufferSize),
		closed: make(chan Reason, 1),
	}
	if b.subscribers[tenantID] == nil {
		b.subscribers[tenantID] = make(map[uint64]*subscriber)
	}
	b.subscribers[tenantID][id] = sub
	b.mu.Unlock()

	return &Subscription{
		Events:   sub.events,
		Closed:   sub.closed,
		bus:      b,
		tenantID: tenantID,
		id:       id,
	}, backlog, nil
}

// MaxEventID exposes the durable log's current high-water mark for
// tenantID, used by the worker as the QR-freshness baseline when pairing
// starts (spec.md §4.D).
func (b *Bus) MaxEventID(ctx context.Context, tenantID string) (int64, error) {
	return b.store.MaxEventID(ctx, tenantID)
}

func (b *Bus) remove(tenantID string, id uint64, reason Reason) {
	b.mu.Lock()
	sub, ok := b.subscribers[tenantID][id]
	if ok {
		delete(b.subscribers[tenantID], id)
		if len(b.subscribers[tenantID]) == 0 {
			delete(b.subscribers, tenantID)
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.once.Do(func() {
		sub.closed <- reason
		close(sub.closed)
		close(sub.events)
	})
}
