package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/carrier"
	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/trigger"
)

// TriggerRequest is the body of trigger create and update calls. On update,
// omitted fields keep their value.
type TriggerRequest struct {
	EventType       *string    `json:"event_type"`
	MessageTemplate *string    `json:"message_template"`
	MessageClass    *string    `json:"message_class"`
	RecipientUserID *uuid.UUID `json:"recipient_user_id"`
	Active          *bool      `json:"active"`
}

// apply copies the set fields onto t and validates the result.
func (req TriggerRequest) apply(t *db.Trigger, domain string) (string, bool) {
	if req.EventType != nil {
		t.EventType = *req.EventType
	}
	if req.MessageTemplate != nil {
		t.MessageTemplate = *req.MessageTemplate
	}
	if req.MessageClass != nil {
		t.MessageClass = *req.MessageClass
	}
	if req.RecipientUserID != nil {
		t.RecipientUserID = req.RecipientUserID
	}
	if req.Active != nil {
		t.Active = *req.Active
	}

	if !trigger.ValidPattern(t.EventType) {
		return "event_type must be 1-50 characters; '*' is only allowed alone or as a trailing ':*'", false
	}
	if t.MessageClass != db.ClassTransactional && t.MessageClass != db.ClassMarketing {
		return "message_class must be transactional or marketing", false
	}
	if _, err := carrier.Render(t.MessageTemplate, carrier.TemplateData(t.EventType, domain, nil)); err != nil {
		return "message_template: " + err.Error(), false
	}
	return "", true
}

// checkRecipient rejects a recipient_user_id that is neither the tenant's
// owner nor one of its linked users.
func (h *Handler) checkRecipient(w http.ResponseWriter, r *http.Request, req TriggerRequest) bool {
	if req.RecipientUserID == nil {
		return true
	}
	tenant := TenantFromContext(r.Context())
	if *req.RecipientUserID == tenant.OwnerUserID {
		return true
	}

	ok, err := h.repo.IsTenantUser(r.Context(), tenant.ID, *req.RecipientUserID)
	if err != nil {
		h.logger.Error("failed to check trigger recipient", zap.Error(err), zap.String("tenant_id", tenant.ID.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to check recipient", "")
		return false
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid trigger",
			"recipient_user_id must be the tenant owner or a user linked to the tenant")
		return false
	}
	return true
}

// ListTriggers handles GET /triggers
func (h *Handler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())

	triggers, err := h.repo.ListTriggers(r.Context(), tenant.ID)
	if err != nil {
		h.logger.Error("failed to list triggers", zap.Error(err), zap.String("tenant_id", tenant.ID.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list triggers", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": triggers, "count": len(triggers)})
}

// CreateTrigger handles POST /triggers
func (h *Handler) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	t := &db.Trigger{
		ID:           uuid.New(),
		TenantID:     tenant.ID,
		Active:       true,
		MessageClass: db.ClassTransactional,
	}
	if !h.checkRecipient(w, r, req) {
		return
	}
	if detail, ok := req.apply(t, tenant.Domain); !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid trigger", detail)
		return
	}

	if err := h.repo.CreateTrigger(r.Context(), t); err != nil {
		h.logger.Error("failed to create trigger", zap.Error(err), zap.String("tenant_id", tenant.ID.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to create trigger", "")
		return
	}

	h.logger.Info("trigger created",
		zap.String("trigger_id", t.ID.String()),
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("event_type", t.EventType),
	)
	writeJSON(w, http.StatusCreated, t)
}

// GetTrigger handles GET /triggers/{id}
func (h *Handler) GetTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTrigger(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTrigger handles PATCH /triggers/{id}
func (h *Handler) UpdateTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTrigger(w, r)
	if !ok {
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if !h.checkRecipient(w, r, req) {
		return
	}
	if detail, ok := req.apply(t, TenantFromContext(r.Context()).Domain); !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid trigger", detail)
		return
	}

	if err := h.repo.UpdateTrigger(r.Context(), t); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Trigger not found", "")
			return
		}
		h.logger.Error("failed to update trigger", zap.Error(err), zap.String("trigger_id", t.ID.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to update trigger", "")
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// DeleteTrigger handles DELETE /triggers/{id}
func (h *Handler) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid trigger ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.DeleteTrigger(r.Context(), tenant.ID, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Trigger not found", "")
			return
		}
		h.logger.Error("failed to delete trigger", zap.Error(err), zap.String("trigger_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete trigger", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) loadTrigger(w http.ResponseWriter, r *http.Request) (*db.Trigger, bool) {
	tenant := TenantFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid trigger ID", "ID must be a valid UUID")
		return nil, false
	}

	t, err := h.repo.GetTrigger(r.Context(), tenant.ID, id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Trigger not found", "")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get trigger", zap.Error(err), zap.String("trigger_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to get trigger", "")
		return nil, false
	}
	return t, true
}
