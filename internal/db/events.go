package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// CreateEvent inserts an event. Events are never updated. When the event
// carries an idempotency key already recorded for the tenant, evt is filled
// in from the existing row instead.
func (r *Repository) CreateEvent(ctx context.Context, evt *Event) error {
	payload := evt.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var key *string
	if evt.IdempotencyKey != "" {
		key = &evt.IdempotencyKey
	}

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO events (id, tenant_id, event_type, payload, source, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`, evt.ID, evt.TenantID, evt.EventType, payload, evt.Source, key).Scan(&evt.CreatedAt)
	if err == nil {
		return nil
	}
	if notFound(err) != ErrNotFound {
		return fmt.Errorf("insert event: %w", err)
	}

	// no row: a retried insert already landed, or the key was used before
	if key == nil {
		return nil
	}
	err = r.db.Pool().QueryRow(ctx, `
		SELECT id, event_type, payload, source, created_at
		FROM events WHERE tenant_id = $1 AND idempotency_key = $2
	`, evt.TenantID, *key).Scan(&evt.ID, &evt.EventType, &evt.Payload, &evt.Source, &evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("query event by idempotency key: %w", notFound(err))
	}
	r.logger.Info("idempotency key matched an existing event",
		zap.String("event_id", evt.ID),
		zap.String("tenant_id", evt.TenantID.String()),
	)
	return nil
}

func (r *Repository) GetEvent(ctx context.Context, id string) (*Event, error) {
	var evt Event
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, tenant_id, event_type, payload, source, created_at FROM events WHERE id = $1`, id,
	).Scan(&evt.ID, &evt.TenantID, &evt.EventType, &evt.Payload, &evt.Source, &evt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("query event: %w", notFound(err))
	}
	return &evt, nil
}
