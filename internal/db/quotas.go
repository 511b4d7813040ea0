package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// GetQuota returns the user's quota row, or a default quota when none exists.
func (r *Repository) GetQuota(ctx context.Context, userID uuid.UUID) (*UserQuota, error) {
	var q UserQuota
	err := r.db.Pool().QueryRow(ctx, `
		SELECT user_id, usage, reserved, monthly_limit, period_start
		FROM user_quotas WHERE user_id = $1
	`, userID).Scan(&q.UserID, &q.Usage, &q.Reserved, &q.MonthlyLimit, &q.PeriodStart)
	if notFound(err) == ErrNotFound {
		return &UserQuota{UserID: userID, MonthlyLimit: DefaultMonthlyLimit, PeriodStart: MonthStart(nowUTC())}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user quota: %w", err)
	}
	return &q, nil
}

// SetQuotaLimit creates or updates the user's monthly limit.
func (r *Repository) SetQuotaLimit(ctx context.Context, userID uuid.UUID, limit int) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO user_quotas (user_id, monthly_limit) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET monthly_limit = EXCLUDED.monthly_limit
	`, userID, limit)
	if err != nil {
		return fmt.Errorf("set quota limit: %w", err)
	}
	return nil
}

// ReserveQuota holds one unit of the user's quota for message msgID. The
// check and increment are a single conditional UPDATE, so concurrent
// reservations can never push usage+reserved past the limit. A message
// already holding a reservation (or already charged) is reported as reserved
// without taking a second unit.
func (r *Repository) ReserveQuota(ctx context.Context, userID, msgID uuid.UUID) (bool, error) {
	reserved := false
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		var state string
		err := tx.QueryRow(ctx,
			`SELECT quota_state FROM sms_messages WHERE id = $1 FOR UPDATE`, msgID,
		).Scan(&state)
		if err != nil {
			return fmt.Errorf("lock sms message: %w", notFound(err))
		}
		if state == QuotaReserved || state == QuotaCharged {
			reserved = true
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO user_quotas (user_id, monthly_limit) VALUES ($1, $2)
			ON CONFLICT (user_id) DO NOTHING
		`, userID, DefaultMonthlyLimit); err != nil {
			return fmt.Errorf("ensure user quota: %w", err)
		}

		// Lazy monthly reset
		if _, err := tx.Exec(ctx, `
			UPDATE user_quotas
			SET usage = 0, period_start = date_trunc('month', NOW())
			WHERE user_id = $1 AND period_start < date_trunc('month', NOW())
		`, userID); err != nil {
			return fmt.Errorf("reset user quota period: %w", err)
		}

		result, err := tx.Exec(ctx, `
			UPDATE user_quotas
			SET reserved = reserved + 1
			WHERE user_id = $1 AND usage + reserved < monthly_limit
		`, userID)
		if err != nil {
			return fmt.Errorf("reserve user quota: %w", err)
		}
		if result.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE sms_messages SET quota_state = 'reserved', updated_at = NOW() WHERE id = $1`, msgID,
		); err != nil {
			return fmt.Errorf("mark quota reserved: %w", err)
		}
		reserved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

// ChargeQuota converts the message's reservation into usage. Calling it twice
// for the same message charges once.
func (r *Repository) ChargeQuota(ctx context.Context, userID, msgID uuid.UUID) error {
	return r.settleQuota(ctx, userID, msgID, QuotaCharged, `
		UPDATE user_quotas
		SET usage = usage + 1, reserved = GREATEST(reserved - 1, 0)
		WHERE user_id = $1
	`)
}

// ReleaseQuota gives the message's reservation back after a failed attempt.
func (r *Repository) ReleaseQuota(ctx context.Context, userID, msgID uuid.UUID) error {
	return r.settleQuota(ctx, userID, msgID, QuotaReleased, `
		UPDATE user_quotas
		SET reserved = GREATEST(reserved - 1, 0)
		WHERE user_id = $1
	`)
}

func (r *Repository) settleQuota(ctx context.Context, userID, msgID uuid.UUID, to, quotaSQL string) error {
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE sms_messages SET quota_state = $2, updated_at = NOW()
			WHERE id = $1 AND quota_state = 'reserved'
		`, msgID, to)
		if err != nil {
			return fmt.Errorf("update quota state: %w", err)
		}
		if result.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, quotaSQL, userID); err != nil {
			return fmt.Errorf("update user quota: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to settle quota",
			zap.Error(err),
			zap.String("message_id", msgID.String()),
			zap.String("quota_state", to),
		)
		return err
	}
	return nil
}
