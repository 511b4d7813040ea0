package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/ids"
	"github.com/lalithlochan/smsrelay/internal/metrics"
	"github.com/lalithlochan/smsrelay/internal/queue"
)

var messageStatuses = map[string]bool{
	db.StatusQueued:      true,
	db.StatusSent:        true,
	db.StatusDelivered:   true,
	db.StatusFailed:      true,
	db.StatusUndelivered: true,
	db.StatusSkipped:     true,
}

// ListMessages handles GET /messages?status=failed&limit=20&offset=0
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())

	status := r.URL.Query().Get("status")
	if status != "" && !messageStatuses[status] {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: queued, sent, delivered, failed, undelivered, skipped")
		return
	}
	limit, offset := pagination(r)

	msgs, err := h.repo.ListMessages(r.Context(), tenant.ID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err), zap.String("tenant_id", tenant.ID.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	writeJSON(w, http.StatusOK, listResponse(msgs, len(msgs), limit, offset))
}

// GetMessage handles GET /messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	msg, err := h.repo.GetMessage(r.Context(), tenant.ID, id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get message", zap.Error(err), zap.String("message_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to get message", "")
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// ListDeadLetters handles GET /dead-letters?limit=20&offset=0
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	limit, offset := pagination(r)

	items, err := h.repo.ListDeadLetters(r.Context(), tenant.ID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err), zap.String("tenant_id", tenant.ID.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letters", "")
		return
	}

	writeJSON(w, http.StatusOK, listResponse(items, len(items), limit, offset))
}

// GetDeadLetter handles GET /dead-letters/{id}
func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadDeadLetter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RetryDeadLetter handles POST /dead-letters/{id}/retry. The parked job is
// enqueued again under a new id, so it produces a new message record.
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := TenantFromContext(ctx)

	item, ok := h.loadDeadLetter(w, r)
	if !ok {
		return
	}
	if item.Status != db.DLQStatusPending {
		writeError(w, http.StatusConflict, "invalid_state", "Dead letter already processed", "status is "+item.Status)
		return
	}

	var job queue.Job
	if err := json.Unmarshal(item.Job, &job); err != nil {
		h.logger.Error("dead letter holds an unreadable job", zap.Error(err), zap.String("dlq_id", item.ID.String()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Stored job is unreadable", "")
		return
	}
	job.ID = uuid.New()
	job.Attempt = 0
	job.FirstEnqueuedAt = time.Time{}
	job.Stamp(time.Now().UTC())

	if err := h.repo.ClaimDeadLetterRetry(ctx, tenant.ID, item.ID, job.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusConflict, "invalid_state", "Dead letter already processed", "")
			return
		}
		h.logger.Error("failed to claim dead letter", zap.Error(err), zap.String("dlq_id", item.ID.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry dead letter", "")
		return
	}

	if err := h.queue.Enqueue(ctx, &job, 0); err != nil {
		h.logger.Error("failed to enqueue dead letter retry",
			zap.Error(err),
			zap.String("dlq_id", item.ID.String()),
		)
		if reopenErr := h.repo.ReopenDeadLetter(ctx, item.ID); reopenErr != nil {
			h.logger.Error("failed to reopen dead letter", zap.Error(reopenErr), zap.String("dlq_id", item.ID.String()))
		}
		writeError(w, http.StatusServiceUnavailable, "enqueue_error", "Failed to enqueue retry", "")
		return
	}
	metrics.RecordJobEnqueued("replay")

	h.logger.Info("dead letter retried",
		zap.String("dlq_id", item.ID.String()),
		zap.String("new_job_id", job.ID.String()),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":         item.ID.String(),
		"status":     db.DLQStatusRetried,
		"new_job_id": job.ID.String(),
	})
}

// DiscardDeadLetter handles POST /dead-letters/{id}/discard
func (h *Handler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid dead letter ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.DiscardDeadLetter(r.Context(), tenant.ID, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Dead letter not found or already processed", "")
			return
		}
		h.logger.Error("failed to discard dead letter", zap.Error(err), zap.String("dlq_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to discard dead letter", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": db.DLQStatusDiscarded,
	})
}

func (h *Handler) loadDeadLetter(w http.ResponseWriter, r *http.Request) (*db.DeadLetterJob, bool) {
	tenant := TenantFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid dead letter ID", "ID must be a valid UUID")
		return nil, false
	}

	item, err := h.repo.GetDeadLetter(r.Context(), tenant.ID, id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Dead letter not found", "")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get dead letter", zap.Error(err), zap.String("dlq_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to get dead letter", "")
		return nil, false
	}
	return item, true
}

// RotateKey handles POST /tenant/rotate-key. The old key and secret stop
// working immediately.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())

	rotated, err := h.repo.RotateTenantKey(r.Context(), tenant.ID, ids.NewAPIKey(), ids.NewSigningSecret())
	if err != nil {
		h.logger.Error("failed to rotate tenant key", zap.Error(err), zap.String("tenant_id", tenant.ID.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to rotate key", "")
		return
	}

	h.logger.Info("tenant key rotated", zap.String("tenant_id", tenant.ID.String()))
	writeJSON(w, http.StatusOK, map[string]any{
		"api_key":        rotated.APIKey,
		"signing_secret": rotated.SigningSecret,
		"key_rotated_at": rotated.KeyRotatedAt,
	})
}
