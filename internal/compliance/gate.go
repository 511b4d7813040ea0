// Package compliance decides whether an SMS may be sent: the recipient's
// monthly quota, the opt-out registry, and consent for marketing messages.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/db"
)

// Skip reasons recorded on the message.
const (
	ReasonQuotaExceeded  = "quota_exceeded"
	ReasonOptedOut       = "opted_out"
	ReasonConsentMissing = "consent_missing"
	ReasonConsentExpired = "consent_expired"
)

// Store is the persistence the gate needs.
type Store interface {
	GetQuota(ctx context.Context, userID uuid.UUID) (*db.UserQuota, error)
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	GetConsent(ctx context.Context, userID uuid.UUID, class string) (*db.Consent, error)
	ReserveQuota(ctx context.Context, userID, msgID uuid.UUID) (bool, error)
	ChargeQuota(ctx context.Context, userID, msgID uuid.UUID) error
	ReleaseQuota(ctx context.Context, userID, msgID uuid.UUID) error
}

// Request identifies one send attempt.
type Request struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
	Phone     string
	Class     string
}

// Decision is the gate's verdict. A denial is final for the message.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return "denied:" + d.Reason
}

type Gate struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewGate(store Store, logger *zap.Logger) *Gate {
	return &Gate{store: store, logger: logger, now: time.Now}
}

// Check runs the checks in order and, if they all pass, reserves one unit of
// quota for the message. The early quota read only saves work for users
// already at their limit; the reservation is the authoritative check.
// Errors are infrastructure failures, not denials.
func (g *Gate) Check(ctx context.Context, req Request) (Decision, error) {
	quota, err := g.store.GetQuota(ctx, req.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("load quota: %w", err)
	}
	if quota.Remaining(g.now()) == 0 {
		return deny(ReasonQuotaExceeded), nil
	}

	optedOut, err := g.store.IsOptedOut(ctx, req.Phone)
	if err != nil {
		return Decision{}, fmt.Errorf("check opt out: %w", err)
	}
	if optedOut {
		return deny(ReasonOptedOut), nil
	}

	if req.Class == db.ClassMarketing {
		reason, err := g.checkConsent(ctx, req.UserID, req.Class)
		if err != nil {
			return Decision{}, err
		}
		if reason != "" {
			return deny(reason), nil
		}
	}

	reserved, err := g.store.ReserveQuota(ctx, req.UserID, req.MessageID)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve quota: %w", err)
	}
	if !reserved {
		return deny(ReasonQuotaExceeded), nil
	}
	return allow(), nil
}

func (g *Gate) checkConsent(ctx context.Context, userID uuid.UUID, class string) (string, error) {
	consent, err := g.store.GetConsent(ctx, userID, class)
	if errors.Is(err, db.ErrNotFound) {
		return ReasonConsentMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("load consent: %w", err)
	}
	if consent.RevokedAt != nil {
		return ReasonConsentMissing, nil
	}
	if consent.ExpiresAt != nil && !g.now().Before(*consent.ExpiresAt) {
		return ReasonConsentExpired, nil
	}
	return "", nil
}

// Charge turns the message's reservation into usage after a confirmed send.
func (g *Gate) Charge(ctx context.Context, userID, msgID uuid.UUID) error {
	return g.store.ChargeQuota(ctx, userID, msgID)
}

// Release returns the message's reservation after a failed attempt.
func (g *Gate) Release(ctx context.Context, userID, msgID uuid.UUID) error {
	return g.store.ReleaseQuota(ctx, userID, msgID)
}
