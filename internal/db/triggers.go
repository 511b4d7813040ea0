package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const triggerColumns = `
	id, tenant_id, event_type, active, message_template,
	message_class, recipient_user_id, created_at, updated_at`

func scanTrigger(row rowScanner) (*Trigger, error) {
	var t Trigger
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.EventType,
		&t.Active,
		&t.MessageTemplate,
		&t.MessageClass,
		&t.RecipientUserID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) queryTriggers(ctx context.Context, query string, args ...any) ([]*Trigger, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return triggers, nil
}

func (r *Repository) CreateTrigger(ctx context.Context, t *Trigger) error {
	query := `
		INSERT INTO triggers (
			id, tenant_id, event_type, active, message_template, message_class, recipient_user_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.MessageClass == "" {
		t.MessageClass = ClassTransactional
	}

	err := r.db.Pool().QueryRow(ctx, query,
		t.ID,
		t.TenantID,
		t.EventType,
		t.Active,
		t.MessageTemplate,
		t.MessageClass,
		t.RecipientUserID,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}

	r.logger.Info("trigger created",
		zap.String("trigger_id", t.ID.String()),
		zap.String("tenant_id", t.TenantID.String()),
		zap.String("event_type", t.EventType),
	)
	return nil
}

// GetTrigger returns a trigger owned by tenantID.
func (r *Repository) GetTrigger(ctx context.Context, tenantID, id uuid.UUID) (*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE id = $1 AND tenant_id = $2`

	t, err := scanTrigger(r.db.Pool().QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return nil, fmt.Errorf("query trigger: %w", notFound(err))
	}
	return t, nil
}

func (r *Repository) ListTriggers(ctx context.Context, tenantID uuid.UUID) ([]*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE tenant_id = $1 ORDER BY created_at DESC`
	return r.queryTriggers(ctx, query, tenantID)
}

// UpdateTrigger writes the mutable trigger fields back.
func (r *Repository) UpdateTrigger(ctx context.Context, t *Trigger) error {
	query := `
		UPDATE triggers
		SET event_type = $3, active = $4, message_template = $5,
			message_class = $6, recipient_user_id = $7, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.ID,
		t.TenantID,
		t.EventType,
		t.Active,
		t.MessageTemplate,
		t.MessageClass,
		t.RecipientUserID,
	).Scan(&t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update trigger: %w", notFound(err))
	}
	return nil
}

func (r *Repository) DeleteTrigger(ctx context.Context, tenantID, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM triggers WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delete trigger %s: %w", id, ErrNotFound)
	}

	r.logger.Info("trigger deleted",
		zap.String("trigger_id", id.String()),
		zap.String("tenant_id", tenantID.String()),
	)
	return nil
}

// FindActiveTriggers returns active triggers whose pattern is the exact event
// type or one of the wildcard candidates. Both arms hit the partial index.
func (r *Repository) FindActiveTriggers(ctx context.Context, tenantID uuid.UUID, eventType string, patterns []string) ([]*Trigger, error) {
	query := `
		SELECT ` + triggerColumns + `
		FROM triggers
		WHERE tenant_id = $1 AND active AND (event_type = $2 OR event_type = ANY($3))
		ORDER BY created_at ASC
	`
	return r.queryTriggers(ctx, query, tenantID, eventType, patterns)
}
