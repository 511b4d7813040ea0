package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

func (r *Repository) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sms_opt_outs WHERE phone_number = $1)`, phone,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query opt out: %w", err)
	}
	return exists, nil
}

func (r *Repository) AddOptOut(ctx context.Context, phone, reason string) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO sms_opt_outs (phone_number, reason) VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET reason = EXCLUDED.reason
	`, phone, reason)
	if err != nil {
		return fmt.Errorf("insert opt out: %w", err)
	}
	r.logger.Info("phone number opted out", zap.String("reason", reason))
	return nil
}

func (r *Repository) RemoveOptOut(ctx context.Context, phone string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM sms_opt_outs WHERE phone_number = $1`, phone); err != nil {
		return fmt.Errorf("delete opt out: %w", err)
	}
	return nil
}

// GetConsent returns the user's consent record for a message class.
func (r *Repository) GetConsent(ctx context.Context, userID uuid.UUID, class string) (*Consent, error) {
	var c Consent
	err := r.db.Pool().QueryRow(ctx, `
		SELECT user_id, message_class, granted_at, expires_at, revoked_at
		FROM sms_consents WHERE user_id = $1 AND message_class = $2
	`, userID, class).Scan(&c.UserID, &c.MessageClass, &c.GrantedAt, &c.ExpiresAt, &c.RevokedAt)
	if err != nil {
		return nil, fmt.Errorf("query consent: %w", notFound(err))
	}
	return &c, nil
}

// GrantConsent records (or renews) consent. A nil expiresAt never expires.
func (r *Repository) GrantConsent(ctx context.Context, userID uuid.UUID, class string, expiresAt *time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO sms_consents (user_id, message_class, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, message_class)
		DO UPDATE SET granted_at = NOW(), expires_at = EXCLUDED.expires_at, revoked_at = NULL
	`, userID, class, expiresAt)
	if err != nil {
		return fmt.Errorf("grant consent: %w", err)
	}
	return nil
}

func (r *Repository) RevokeConsent(ctx context.Context, userID uuid.UUID, class string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE sms_consents SET revoked_at = NOW()
		WHERE user_id = $1 AND message_class = $2 AND revoked_at IS NULL
	`, userID, class)
	if err != nil {
		return fmt.Errorf("revoke consent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("revoke consent: %w", ErrNotFound)
	}
	return nil
}
