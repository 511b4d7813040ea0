package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/status"
)

// StatusCallback is the JSON shape of a delivery report. Twilio posts the
// same information form encoded as MessageSid, MessageStatus and ErrorCode.
type StatusCallback struct {
	MessageID         string `json:"message_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	ErrorCode         string `json:"error_code"`
}

// CarrierStatus handles POST /webhooks/carrier/status. Carriers retry on any
// non-2xx, so unknown ids, unknown statuses and stale reports still get 200;
// only a store outage asks for a redelivery.
func (h *Handler) CarrierStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	isForm := mediaType == "application/x-www-form-urlencoded"

	var cb StatusCallback
	var form url.Values
	if isForm {
		var err error
		form, err = url.ParseQuery(string(body))
		if err != nil {
			h.logger.Warn("unparseable carrier callback", zap.Error(err))
			w.WriteHeader(http.StatusOK)
			return
		}
		cb = StatusCallback{
			ProviderMessageID: first(form, "MessageSid", "SmsSid"),
			Status:            first(form, "MessageStatus", "SmsStatus"),
			ErrorCode:         form.Get("ErrorCode"),
		}
	} else if err := json.Unmarshal(body, &cb); err != nil {
		h.logger.Warn("unparseable carrier callback", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.validator != nil && !h.validSignature(r, body, form, isForm) {
		h.logger.Warn("carrier callback signature mismatch",
			zap.String("provider_message_id", cb.ProviderMessageID),
		)
		writeError(w, http.StatusForbidden, "forbidden", "Invalid signature", "")
		return
	}

	update := status.Update{
		ProviderMessageID: cb.ProviderMessageID,
		Status:            cb.Status,
		ErrorCode:         cb.ErrorCode,
	}
	if cb.MessageID != "" {
		if id, err := uuid.Parse(cb.MessageID); err == nil {
			update.MessageID = id
		}
	}
	if update.MessageID == uuid.Nil && update.ProviderMessageID == "" {
		h.logger.Warn("carrier callback without message id", zap.String("status", cb.Status))
		w.WriteHeader(http.StatusOK)
		return
	}

	applied, err := h.tracker.Update(r.Context(), update)
	if err != nil {
		h.logger.Error("failed to apply carrier status",
			zap.Error(err),
			zap.String("provider_message_id", cb.ProviderMessageID),
			zap.String("status", cb.Status),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to record status", "")
		return
	}

	h.logger.Debug("carrier status received",
		zap.String("provider_message_id", cb.ProviderMessageID),
		zap.String("status", cb.Status),
		zap.Bool("applied", applied),
	)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) validSignature(r *http.Request, body []byte, form url.Values, isForm bool) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	if isForm {
		params := make(map[string]string, len(form))
		for k := range form {
			params[k] = form.Get(k)
		}
		return h.validator.Validate(h.callbackURL, params, sig)
	}

	u := h.callbackURL
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return h.validator.ValidateBody(u, body, sig)
}

func first(v url.Values, keys ...string) string {
	for _, k := range keys {
		if s := v.Get(k); s != "" {
			return s
		}
	}
	return ""
}
