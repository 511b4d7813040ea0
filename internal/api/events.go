package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/ingest"
	"github.com/lalithlochan/smsrelay/internal/metrics"
	"github.com/lalithlochan/smsrelay/internal/normalize"
	"github.com/lalithlochan/smsrelay/internal/redis"
)

// EventRequest is the first-party ingestion body.
type EventRequest struct {
	EventType string          `json:"event_type"`
	Metadata  json.RawMessage `json:"metadata"`
}

type EventResponse struct {
	Success         bool   `json:"success"`
	EventID         string `json:"event_id"`
	TriggersMatched int    `json:"triggers_matched"`
}

// CreateEvent handles POST /events (HMAC signed).
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	h.ingest(w, r, ingest.Input{EventType: req.EventType, Payload: req.Metadata, Source: db.SourceAPI})
}

// CreateSDKEvent handles POST /sdk-events.
func (h *Handler) CreateSDKEvent(w http.ResponseWriter, r *http.Request) {
	h.ingestNormalized(w, r, db.SourceSDK, normalize.Normalize)
}

// ReceiveWebhook handles POST /webhooks/{apiKey}.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	h.ingestNormalized(w, r, db.SourceWebhook, normalize.Normalize)
}

// ReceiveZapier handles POST /zapier/webhook/{apiKey}.
func (h *Handler) ReceiveZapier(w http.ResponseWriter, r *http.Request) {
	h.ingestNormalized(w, r, db.SourceZapier, normalize.NormalizeZapier)
}

func (h *Handler) ingestNormalized(w http.ResponseWriter, r *http.Request, source string, norm func([]byte, http.Header) (normalize.Result, error)) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	res, err := norm(body, r.Header)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid webhook body", err.Error())
		return
	}

	h.logger.Debug("webhook normalized",
		zap.String("source", source),
		zap.String("shape", res.Shape),
		zap.String("event_type", res.EventType),
	)
	h.ingest(w, r, ingest.Input{EventType: res.EventType, Payload: res.Payload, Source: source})
}

// ingest runs the ingestion service behind optional Idempotency-Key
// handling. A repeated key replays the stored response; a key still in
// flight gets 409.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, in ingest.Input) {
	ctx := r.Context()
	tenant := TenantFromContext(ctx)
	tenantID := tenant.ID.String()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	in.IdempotencyKey = idempotencyKey
	if h.idempotency == nil {
		idempotencyKey = ""
	}

	if idempotencyKey != "" {
		cached, err := h.idempotency.CheckOrReserve(ctx, tenantID, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, EventResponse{
				Success:         true,
				EventID:         cached.EventID,
				TriggersMatched: cached.TriggersMatched,
			})
			return
		}
	}

	res, err := h.ingester.Ingest(ctx, tenant, in)
	if err != nil {
		if idempotencyKey != "" {
			if relErr := h.idempotency.Release(ctx, tenantID, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		if ingest.IsValidation(err) {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event", err.Error())
			return
		}
		h.logger.Error("failed to ingest event",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
			zap.String("event_type", in.EventType),
		)
		writeError(w, http.StatusInternalServerError, "persistence_error", "Failed to record event", "")
		return
	}

	if idempotencyKey != "" {
		result := &redis.IngestResult{
			EventID:         res.EventID,
			TriggersMatched: res.TriggersMatched,
			StatusCode:      http.StatusAccepted,
			CreatedAt:       res.CreatedAt.Unix(),
		}
		if err := h.idempotency.Store(ctx, tenantID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	writeJSON(w, http.StatusAccepted, EventResponse{
		Success:         true,
		EventID:         res.EventID,
		TriggersMatched: res.TriggersMatched,
	})
}
