package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Integration types
const (
	IntegrationFirstParty = "first_party"
	IntegrationJSSDK      = "js_sdk"
	IntegrationWebhook    = "webhook"
	IntegrationZapier     = "zapier"
)

// Event sources
const (
	SourceAPI     = "api"
	SourceSDK     = "sdk"
	SourceWebhook = "webhook"
	SourceZapier  = "zapier"
)

// Message classes
const (
	ClassTransactional = "transactional"
	ClassMarketing     = "marketing"
)

// SMS message status constants
const (
	StatusQueued      = "queued"
	StatusSent        = "sent"
	StatusDelivered   = "delivered"
	StatusFailed      = "failed"
	StatusUndelivered = "undelivered"
	StatusSkipped     = "skipped"
)

// Quota reservation state of a single message
const (
	QuotaNone     = "none"
	QuotaReserved = "reserved"
	QuotaCharged  = "charged"
	QuotaReleased = "released"
)

// DLQ Status constants
const (
	DLQStatusPending   = "pending"
	DLQStatusRetried   = "retried"
	DLQStatusDiscarded = "discarded"
)

// DefaultMonthlyLimit applies to users without an explicit quota row.
const DefaultMonthlyLimit = 100

// predecessors lists, per target status, the statuses a message may move
// from. Anything else is a duplicate or a regression and is ignored.
var predecessors = map[string][]string{
	StatusSent:        {StatusQueued},
	StatusDelivered:   {StatusQueued, StatusSent},
	StatusFailed:      {StatusQueued, StatusSent},
	StatusUndelivered: {StatusQueued, StatusSent},
	StatusSkipped:     {StatusQueued},
}

// AllowedFrom returns the statuses a message may hold before moving to status.
func AllowedFrom(status string) []string {
	return predecessors[status]
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to string) bool {
	for _, s := range predecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}

// IsFinal reports whether a message in this status will never be sent again.
func IsFinal(status string) bool {
	return status != StatusQueued
}

type Tenant struct {
	ID              uuid.UUID  `json:"id"`
	Domain          string     `json:"domain"`
	APIKey          string     `json:"api_key"`
	SigningSecret   string     `json:"-"`
	IntegrationType string     `json:"integration_type"`
	OwnerUserID     uuid.UUID  `json:"owner_user_id"`
	Active          bool       `json:"active"`
	KeyRotatedAt    *time.Time `json:"key_rotated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type User struct {
	ID          uuid.UUID `json:"id"`
	PhoneNumber *string   `json:"phone_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is an immutable record of something that happened in a tenant's app.
type Event struct {
	ID        string          `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`

	// IdempotencyKey is the client's Idempotency-Key, unique per tenant.
	IdempotencyKey string `json:"-"`
}

// Trigger maps an event type pattern to an SMS template.
type Trigger struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	EventType       string     `json:"event_type"`
	Active          bool       `json:"active"`
	MessageTemplate string     `json:"message_template"`
	MessageClass    string     `json:"message_class"`
	RecipientUserID *uuid.UUID `json:"recipient_user_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SMSMessage is the record of one outbound SMS. Its ID is the dispatch job id.
type SMSMessage struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	RecipientUserID   uuid.UUID  `json:"recipient_user_id"`
	TriggerID         uuid.UUID  `json:"trigger_id"`
	EventID           string     `json:"event_id"`
	ToNumber          string     `json:"to_number,omitempty"`
	Body              string     `json:"body,omitempty"`
	Status            string     `json:"status"`
	Reason            *string    `json:"reason,omitempty"`
	ErrorCode         *string    `json:"error_code,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	Attempts          int        `json:"attempts"`
	QuotaState        string     `json:"quota_state"`
	CreatedAt         time.Time  `json:"created_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type UserQuota struct {
	UserID       uuid.UUID `json:"user_id"`
	Usage        int       `json:"usage"`
	Reserved     int       `json:"reserved"`
	MonthlyLimit int       `json:"monthly_limit"`
	PeriodStart  time.Time `json:"period_start"`
}

// Remaining is the number of sends left in the period containing now. A
// quota whose period started before the current month counts as reset.
func (q *UserQuota) Remaining(now time.Time) int {
	usage := q.Usage
	if q.PeriodStart.Before(MonthStart(now)) {
		usage = 0
	}
	left := q.MonthlyLimit - usage - q.Reserved
	if left < 0 {
		return 0
	}
	return left
}

// MonthStart truncates t to the first instant of its month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

type Consent struct {
	UserID       uuid.UUID  `json:"user_id"`
	MessageClass string     `json:"message_class"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// DeadLetterJob is a dispatch job that ended in a terminal failure.
type DeadLetterJob struct {
	ID           uuid.UUID       `json:"id"`
	JobID        uuid.UUID       `json:"job_id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	TriggerID    uuid.UUID       `json:"trigger_id"`
	EventID      string          `json:"event_id"`
	Job          json.RawMessage `json:"job"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error"`
	Status       string          `json:"status"`
	RetriedJobID *uuid.UUID      `json:"retried_job_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
