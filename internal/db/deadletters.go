package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const deadLetterColumns = `
	id, job_id, tenant_id, trigger_id, event_id, job, attempts,
	last_error, status, retried_job_id, created_at, updated_at`

func scanDeadLetter(row rowScanner) (*DeadLetterJob, error) {
	var d DeadLetterJob
	err := row.Scan(
		&d.ID,
		&d.JobID,
		&d.TenantID,
		&d.TriggerID,
		&d.EventID,
		&d.Job,
		&d.Attempts,
		&d.LastError,
		&d.Status,
		&d.RetriedJobID,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func insertDeadLetter(ctx context.Context, q pgxQuerier, d *DeadLetterJob) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Status = DLQStatusPending

	err := q.QueryRow(ctx, `
		INSERT INTO dead_letter_jobs (
			id, job_id, tenant_id, trigger_id, event_id, job, attempts, last_error, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`,
		d.ID,
		d.JobID,
		d.TenantID,
		d.TriggerID,
		d.EventID,
		d.Job,
		d.Attempts,
		d.LastError,
		d.Status,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters retrieves DLQ items for a tenant
func (r *Repository) ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*DeadLetterJob, error) {
	query := `
		SELECT ` + deadLetterColumns + `
		FROM dead_letter_jobs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*DeadLetterJob
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

// GetDeadLetter retrieves a single DLQ item owned by tenantID
func (r *Repository) GetDeadLetter(ctx context.Context, tenantID, id uuid.UUID) (*DeadLetterJob, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_jobs WHERE id = $1 AND tenant_id = $2`

	d, err := scanDeadLetter(r.db.Pool().QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return nil, fmt.Errorf("query dead letter: %w", notFound(err))
	}
	return d, nil
}

// ClaimDeadLetterRetry marks a pending DLQ item as retried under newJobID.
// Returns ErrNotFound if the item is missing or no longer pending.
func (r *Repository) ClaimDeadLetterRetry(ctx context.Context, tenantID, id, newJobID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE dead_letter_jobs
		SET status = $1, retried_job_id = $2, updated_at = NOW()
		WHERE id = $3 AND tenant_id = $4 AND status = $5
	`, DLQStatusRetried, newJobID, id, tenantID, DLQStatusPending)
	if err != nil {
		return fmt.Errorf("claim dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dead letter not found or already processed: %w", ErrNotFound)
	}

	r.logger.Info("dead letter retried",
		zap.String("dlq_id", id.String()),
		zap.String("new_job_id", newJobID.String()),
	)
	return nil
}

// ReopenDeadLetter undoes a claim whose re-enqueue failed.
func (r *Repository) ReopenDeadLetter(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE dead_letter_jobs
		SET status = $1, retried_job_id = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, DLQStatusPending, id, DLQStatusRetried)
	if err != nil {
		return fmt.Errorf("reopen dead letter: %w", err)
	}
	return nil
}

// DiscardDeadLetter marks a DLQ item as discarded (won't be retried)
func (r *Repository) DiscardDeadLetter(ctx context.Context, tenantID, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE dead_letter_jobs
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3 AND status = $4
	`, DLQStatusDiscarded, id, tenantID, DLQStatusPending)
	if err != nil {
		return fmt.Errorf("discard dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dead letter not found or already processed: %w", ErrNotFound)
	}

	r.logger.Info("dead letter discarded", zap.String("dlq_id", id.String()))
	return nil
}
