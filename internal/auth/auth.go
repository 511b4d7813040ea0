// Package auth authenticates ingestion requests against tenant credentials.
//
// Two modes exist and callers choose one explicitly per route:
//
//   - HMAC: the request carries an API key, a unix timestamp and
//     hex(HMAC-SHA256(secret, body || ":" || timestamp)). Used by first-party
//     server integrations.
//   - API key only: the key alone identifies the tenant. Used by the browser
//     SDK and inbound webhooks, where no secret can be kept.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/db"
)

// Header names used by signed requests.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// DefaultMaxSkew is the accepted distance between a request timestamp and now.
const DefaultMaxSkew = 300 * time.Second

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrStaleTimestamp     = errors.New("timestamp outside accepted window")
	ErrUnknownTenant      = errors.New("unknown or inactive tenant")
	ErrBadSignature       = errors.New("signature mismatch")
)

// IsAuthFailure reports whether err is a credential problem rather than an
// infrastructure error.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrStaleTimestamp) ||
		errors.Is(err, ErrUnknownTenant) ||
		errors.Is(err, ErrBadSignature)
}

// TenantStore resolves API keys to tenants.
type TenantStore interface {
	GetTenantByAPIKey(ctx context.Context, apiKey string) (*db.Tenant, error)
}

type Gate struct {
	store   TenantStore
	maxSkew time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewGate(store TenantStore, maxSkew time.Duration, logger *zap.Logger) *Gate {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Gate{
		store:   store,
		maxSkew: maxSkew,
		now:     time.Now,
		logger:  logger,
	}
}

// VerifyHMAC checks timestamp freshness, then the tenant, then the signature.
// Cheap checks run first so stale or unsigned requests never reach the store.
func (g *Gate) VerifyHMAC(ctx context.Context, apiKey, signature, timestamp string, body []byte) (*db.Tenant, error) {
	if apiKey == "" || signature == "" || timestamp == "" {
		return nil, ErrMissingCredentials
	}

	ts, err := ParseTimestamp(timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	skew := g.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.maxSkew {
		return nil, ErrStaleTimestamp
	}

	tenant, err := g.lookup(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	expected := Sign(tenant.SigningSecret, body, timestamp)
	provided := strings.TrimPrefix(strings.ToLower(signature), "sha256=")
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return nil, ErrBadSignature
	}

	return tenant, nil
}

// VerifyAPIKey authenticates with the key alone.
func (g *Gate) VerifyAPIKey(ctx context.Context, apiKey string) (*db.Tenant, error) {
	if apiKey == "" {
		return nil, ErrMissingCredentials
	}
	return g.lookup(ctx, apiKey)
}

func (g *Gate) lookup(ctx context.Context, apiKey string) (*db.Tenant, error) {
	tenant, err := g.store.GetTenantByAPIKey(ctx, apiKey)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUnknownTenant
	}
	if err != nil {
		g.logger.Error("tenant lookup failed", zap.Error(err))
		return nil, fmt.Errorf("lookup tenant: %w", err)
	}
	if !tenant.Active {
		return nil, ErrUnknownTenant
	}
	return tenant, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of body || ":" || timestamp.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(":"))
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseTimestamp reads unix seconds. Values of 1e12 and above are taken as
// milliseconds, which some client libraries send.
func ParseTimestamp(s string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}
	if n >= 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}
