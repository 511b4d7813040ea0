package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	twilioclient "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/circuitbreaker"
	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/ingest"
	"github.com/lalithlochan/smsrelay/internal/queue"
	"github.com/lalithlochan/smsrelay/internal/redis"
	"github.com/lalithlochan/smsrelay/internal/status"
)

// Repository is the slice of the store the tenant-facing endpoints use.
type Repository interface {
	CreateTrigger(ctx context.Context, t *db.Trigger) error
	GetTrigger(ctx context.Context, tenantID, id uuid.UUID) (*db.Trigger, error)
	ListTriggers(ctx context.Context, tenantID uuid.UUID) ([]*db.Trigger, error)
	UpdateTrigger(ctx context.Context, t *db.Trigger) error
	DeleteTrigger(ctx context.Context, tenantID, id uuid.UUID) error
	IsTenantUser(ctx context.Context, tenantID, userID uuid.UUID) (bool, error)

	GetMessage(ctx context.Context, tenantID, id uuid.UUID) (*db.SMSMessage, error)
	ListMessages(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*db.SMSMessage, error)

	ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.DeadLetterJob, error)
	GetDeadLetter(ctx context.Context, tenantID, id uuid.UUID) (*db.DeadLetterJob, error)
	ClaimDeadLetterRetry(ctx context.Context, tenantID, id, newJobID uuid.UUID) error
	ReopenDeadLetter(ctx context.Context, id uuid.UUID) error
	DiscardDeadLetter(ctx context.Context, tenantID, id uuid.UUID) error

	RotateTenantKey(ctx context.Context, id uuid.UUID, apiKey, secret string) (*db.Tenant, error)
}

type Ingester interface {
	Ingest(ctx context.Context, tenant *db.Tenant, in ingest.Input) (*ingest.Result, error)
}

type StatusUpdater interface {
	Update(ctx context.Context, u status.Update) (bool, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	ingester    Ingester
	tracker     StatusUpdater
	queue       queue.Queue
	idempotency *redis.IdempotencyService // nil if Redis not configured

	// nil unless carrier callbacks are signature checked
	validator   *twilioclient.RequestValidator
	callbackURL string

	carrierStats func() circuitbreaker.Stats
}

func NewHandler(logger *zap.Logger, repo Repository, ingester Ingester, tracker StatusUpdater, q queue.Queue) *Handler {
	return &Handler{
		logger:   logger,
		repo:     repo,
		ingester: ingester,
		tracker:  tracker,
		queue:    q,
	}
}

// WithIdempotency enables Idempotency-Key handling on ingestion routes.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithCallbackValidation checks X-Twilio-Signature on carrier callbacks.
// callbackURL must be the exact public URL Twilio posts to.
func (h *Handler) WithCallbackValidation(authToken, callbackURL string) *Handler {
	v := twilioclient.NewRequestValidator(authToken)
	h.validator = &v
	h.callbackURL = callbackURL
	return h
}

// WithCarrierStats reports the carrier circuit breaker on /health.
func (h *Handler) WithCarrierStats(fn func() circuitbreaker.Stats) *Handler {
	h.carrierStats = fn
	return h
}

// Health handles GET /health. An open carrier circuit does not fail the
// check; ingestion keeps accepting events while dispatch backs off.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.carrierStats == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"carrier": h.carrierStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// pagination reads limit (1..100, default 20) and offset (default 0).
func pagination(r *http.Request) (int, int) {
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func listResponse(data any, count, limit, offset int) map[string]any {
	return map[string]any{
		"data":   data,
		"limit":  limit,
		"offset": offset,
		"count":  count,
	}
}
