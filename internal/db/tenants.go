package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tenantColumns = `
	id, domain, api_key, signing_secret, integration_type,
	owner_user_id, active, key_rotated_at, created_at, updated_at`

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID,
		&t.Domain,
		&t.APIKey,
		&t.SigningSecret,
		&t.IntegrationType,
		&t.OwnerUserID,
		&t.Active,
		&t.KeyRotatedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenant inserts a new tenant
func (r *Repository) CreateTenant(ctx context.Context, t *Tenant) error {
	query := `
		INSERT INTO tenants (
			id, domain, api_key, signing_secret, integration_type, owner_user_id, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.IntegrationType == "" {
		t.IntegrationType = IntegrationFirstParty
	}

	err := r.db.Pool().QueryRow(ctx, query,
		t.ID,
		t.Domain,
		t.APIKey,
		t.SigningSecret,
		t.IntegrationType,
		t.OwnerUserID,
		t.Active,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}

	r.logger.Info("tenant created",
		zap.String("tenant_id", t.ID.String()),
		zap.String("domain", t.Domain),
		zap.String("integration_type", t.IntegrationType),
	)
	return nil
}

// GetTenantByAPIKey looks a tenant up by its public key. Inactive tenants are
// returned too; callers decide what inactive means for them.
func (r *Repository) GetTenantByAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE api_key = $1`

	t, err := scanTenant(r.db.Pool().QueryRow(ctx, query, apiKey))
	if err != nil {
		return nil, fmt.Errorf("query tenant by api key: %w", notFound(err))
	}
	return t, nil
}

func (r *Repository) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`

	t, err := scanTenant(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", notFound(err))
	}
	return t, nil
}

// RotateTenantKey replaces both the API key and the signing secret. The old
// pair stops working as soon as this commits.
func (r *Repository) RotateTenantKey(ctx context.Context, id uuid.UUID, apiKey, secret string) (*Tenant, error) {
	query := `
		UPDATE tenants
		SET api_key = $2, signing_secret = $3, key_rotated_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + tenantColumns

	t, err := scanTenant(r.db.Pool().QueryRow(ctx, query, id, apiKey, secret))
	if err != nil {
		return nil, fmt.Errorf("rotate tenant key: %w", notFound(err))
	}

	r.logger.Info("tenant key rotated", zap.String("tenant_id", id.String()))
	return t, nil
}

// DeactivateTenant soft-deletes a tenant. Its credentials stop authenticating.
func (r *Repository) DeactivateTenant(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE tenants SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("deactivate tenant %s: %w", id, ErrNotFound)
	}

	r.logger.Info("tenant deactivated", zap.String("tenant_id", id.String()))
	return nil
}

// CreateUser inserts a user with an optional phone number.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := r.db.Pool().QueryRow(ctx,
		`INSERT INTO users (id, phone_number) VALUES ($1, $2) RETURNING created_at`,
		u.ID, u.PhoneNumber,
	).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// LinkTenantUser lets the tenant name userID as a trigger recipient.
func (r *Repository) LinkTenantUser(ctx context.Context, tenantID, userID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO tenant_users (tenant_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, tenantID, userID)
	if err != nil {
		return fmt.Errorf("link tenant user: %w", err)
	}
	return nil
}

// IsTenantUser reports whether userID is the tenant's owner or linked to it.
func (r *Repository) IsTenantUser(ctx context.Context, tenantID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1 AND owner_user_id = $2)
		    OR EXISTS (SELECT 1 FROM tenant_users WHERE tenant_id = $1 AND user_id = $2)
	`, tenantID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query tenant user: %w", err)
	}
	return ok, nil
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, phone_number, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.PhoneNumber, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("query user: %w", notFound(err))
	}
	return &u, nil
}
