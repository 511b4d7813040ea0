package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const messageColumns = `
	id, tenant_id, recipient_user_id, trigger_id, event_id, to_number, body,
	status, reason, error_code, provider_message_id, attempts, quota_state,
	created_at, sent_at, delivered_at, failed_at, updated_at`

func scanMessage(row rowScanner) (*SMSMessage, error) {
	var m SMSMessage
	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.RecipientUserID,
		&m.TriggerID,
		&m.EventID,
		&m.ToNumber,
		&m.Body,
		&m.Status,
		&m.Reason,
		&m.ErrorCode,
		&m.ProviderMessageID,
		&m.Attempts,
		&m.QuotaState,
		&m.CreatedAt,
		&m.SentAt,
		&m.DeliveredAt,
		&m.FailedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// EnsureMessage inserts msg in the queued state unless a row with the same id
// exists. It returns the stored row and whether this call created it, so a
// redelivered job finds the message its first delivery left behind.
func (r *Repository) EnsureMessage(ctx context.Context, msg *SMSMessage) (*SMSMessage, bool, error) {
	insert := `
		INSERT INTO sms_messages (
			id, tenant_id, recipient_user_id, trigger_id, event_id, status, quota_state
		) VALUES ($1, $2, $3, $4, $5, 'queued', 'none')
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + messageColumns

	stored, err := scanMessage(r.db.Pool().QueryRow(ctx, insert,
		msg.ID,
		msg.TenantID,
		msg.RecipientUserID,
		msg.TriggerID,
		msg.EventID,
	))
	if err == nil {
		return stored, true, nil
	}
	if notFound(err) != ErrNotFound {
		return nil, false, fmt.Errorf("insert sms message: %w", err)
	}

	existing, err := r.GetMessageByID(ctx, msg.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *Repository) GetMessageByID(ctx context.Context, id uuid.UUID) (*SMSMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM sms_messages WHERE id = $1`

	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("query sms message: %w", notFound(err))
	}
	return m, nil
}

// GetMessage returns a message only if tenantID owns it.
func (r *Repository) GetMessage(ctx context.Context, tenantID, id uuid.UUID) (*SMSMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM sms_messages WHERE id = $1 AND tenant_id = $2`

	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return nil, fmt.Errorf("query sms message: %w", notFound(err))
	}
	return m, nil
}

// ListMessages pages through a tenant's messages, newest first. An empty
// status lists all.
func (r *Repository) ListMessages(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*SMSMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM sms_messages
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query sms messages: %w", err)
	}
	defer rows.Close()

	var messages []*SMSMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sms message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return messages, nil
}

// SetMessageContent stores the rendered body and destination before a send.
func (r *Repository) SetMessageContent(ctx context.Context, id uuid.UUID, to, body string, attempts int) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE sms_messages
		SET to_number = $2, body = $3, attempts = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id, to, body, attempts)
	if err != nil {
		return fmt.Errorf("update sms message content: %w", err)
	}
	return nil
}

// Transition describes a status change. Exactly one of ID and
// ProviderMessageID identifies the message.
type Transition struct {
	ID                uuid.UUID
	ProviderMessageID string
	To                string
	Reason            *string
	ErrorCode         *string
	// SetProviderID records the carrier's id, used on the move to sent.
	SetProviderID *string
}

const transitionSet = `
	SET status = $1::text,
		reason = COALESCE($2, reason),
		error_code = COALESCE($3, error_code),
		provider_message_id = COALESCE($4, provider_message_id),
		sent_at = CASE WHEN $1::text = 'sent' THEN NOW() ELSE sent_at END,
		delivered_at = CASE WHEN $1::text = 'delivered' THEN NOW() ELSE delivered_at END,
		failed_at = CASE WHEN $1::text IN ('failed', 'undelivered') THEN NOW() ELSE failed_at END,
		updated_at = NOW()`

func transition(ctx context.Context, q pgxQuerier, t Transition) (*SMSMessage, error) {
	allowed := AllowedFrom(t.To)
	if len(allowed) == 0 {
		return nil, fmt.Errorf("unknown target status %q", t.To)
	}

	var row pgx.Row
	if t.ID != uuid.Nil {
		row = q.QueryRow(ctx, `UPDATE sms_messages `+transitionSet+`
			WHERE id = $5 AND status = ANY($6)
			RETURNING `+messageColumns,
			t.To, t.Reason, t.ErrorCode, t.SetProviderID, t.ID, allowed)
	} else {
		row = q.QueryRow(ctx, `UPDATE sms_messages `+transitionSet+`
			WHERE provider_message_id = $5 AND status = ANY($6)
			RETURNING `+messageColumns,
			t.To, t.Reason, t.ErrorCode, t.SetProviderID, t.ProviderMessageID, allowed)
	}
	return scanMessage(row)
}

// TransitionMessage moves a message forward. It returns applied=false without
// error when the message is already at or past the target, which makes
// duplicate and out-of-order updates no-ops. ErrNotFound means no message
// carries the given id at all.
func (r *Repository) TransitionMessage(ctx context.Context, t Transition) (*SMSMessage, bool, error) {
	m, err := transition(ctx, r.db.Pool(), t)
	if err == nil {
		return m, true, nil
	}
	if notFound(err) != ErrNotFound {
		return nil, false, fmt.Errorf("transition sms message: %w", err)
	}

	// Distinguish "no such message" from "not a forward move"
	var current *SMSMessage
	if t.ID != uuid.Nil {
		current, err = r.GetMessageByID(ctx, t.ID)
	} else {
		current, err = r.GetMessageByProviderID(ctx, t.ProviderMessageID)
	}
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *Repository) GetMessageByProviderID(ctx context.Context, providerID string) (*SMSMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM sms_messages WHERE provider_message_id = $1`

	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, providerID))
	if err != nil {
		return nil, fmt.Errorf("query sms message by provider id: %w", notFound(err))
	}
	return m, nil
}

// FailMessage marks a message failed and parks its job in the dead letter
// table in one transaction.
func (r *Repository) FailMessage(ctx context.Context, id uuid.UUID, reason, errorCode string, dl *DeadLetterJob) (bool, error) {
	applied := false
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		var code *string
		if errorCode != "" {
			code = &errorCode
		}
		_, err := transition(ctx, tx, Transition{ID: id, To: StatusFailed, Reason: &reason, ErrorCode: code})
		if notFound(err) == ErrNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transition sms message: %w", err)
		}
		applied = true

		if dl == nil {
			return nil
		}
		return insertDeadLetter(ctx, tx, dl)
	})
	if err != nil {
		return false, err
	}

	if applied {
		r.logger.Info("sms message failed",
			zap.String("message_id", id.String()),
			zap.String("reason", reason),
		)
	}
	return applied, nil
}
