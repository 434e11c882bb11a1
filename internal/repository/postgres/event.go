package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-run/orchestrator/internal/models"
)

type EventStore struct {
	pool *pgxpool.Pool
}

func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append is the single writer all event producers funnel through —
// internal/bus publishes to Redis only after this call succeeds, so
// Postgres's BIGSERIAL event_id is the gapless, monotonic source of truth.
func (s *EventStore) Append(ctx context.Context, tenantID, eventType string, payload map[string]any) (*models.Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	query := `
		INSERT INTO events (tenant_id, type, payload, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING event_id, tenant_id, type, payload, created_at`

	var ev models.Event
	var rawPayload []byte
	err = s.pool.QueryRow(ctx, query, tenantID, eventType, payloadJSON).Scan(
		&ev.EventID, &ev.TenantID, &ev.Type, &rawPayload, &ev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err := json.Unmarshal(rawPayload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal event payload: %w", err)
	}
	return &ev, nil
}

// ListSince returns events with event_id > afterEventID, oldest first —
// the ordering both the poll endpoint and the WebSocket replay rely on.
// afterEventID=0 returns from the beginning of the tenant's history.
func (s *EventStore) ListSince(ctx context.Context, tenantID string, afterEventID int64, limit int) ([]models.Event, error) {
	query := `
		SELECT event_id, tenant_id, type, payload, created_at
		FROM events
		WHERE tenant_id = $1 AND event_id > $2
		ORDER BY event_id ASC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, tenantID, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var ev models.Event
		var rawPayload []byte
		if err := rows.Scan(&ev.EventID, &ev.TenantID, &ev.Type, &rawPayload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(rawPayload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (s *EventStore) MaxEventID(ctx context.Context, tenantID string) (int64, error) {
	var maxID int64
	err := s.pool.QueryRow(ctx, `SELECT coalesce(max(event_id), 0) FROM events WHERE tenant_id = $1`, tenantID).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max event id: %w", err)
	}
	return maxID, nil
}
