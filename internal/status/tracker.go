// Package status applies carrier delivery reports to SMS messages.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/metrics"
	"github.com/lalithlochan/smsrelay/internal/sns"
)

type Store interface {
	TransitionMessage(ctx context.Context, t db.Transition) (*db.SMSMessage, bool, error)
}

// Publisher fans applied status changes out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt sns.StatusEvent) (string, error)
}

// Update is one delivery report. Either MessageID or ProviderMessageID
// identifies the message.
type Update struct {
	MessageID         uuid.UUID
	ProviderMessageID string
	Status            string
	ErrorCode         string
}

// MapCarrierStatus converts a carrier's status vocabulary to a message
// status. ok is false for intermediate states that change nothing.
func MapCarrierStatus(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent":
		return db.StatusSent, true
	case "delivered", "read":
		return db.StatusDelivered, true
	case "failed", "canceled":
		return db.StatusFailed, true
	case "undelivered":
		return db.StatusUndelivered, true
	default:
		// queued, accepted, sending, scheduled
		return "", false
	}
}

type Tracker struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
}

// NewTracker builds a tracker. publisher may be nil.
func NewTracker(store Store, publisher Publisher, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, publisher: publisher, logger: logger}
}

// Update applies u if it moves the message forward. Duplicate, regressive
// and intermediate reports return applied=false; so do reports for unknown
// messages, which are logged and dropped. Only store failures return an
// error.
func (t *Tracker) Update(ctx context.Context, u Update) (bool, error) {
	target, ok := MapCarrierStatus(u.Status)
	if !ok {
		metrics.RecordStatusCallback(u.Status, false)
		return false, nil
	}
	if u.MessageID == uuid.Nil && u.ProviderMessageID == "" {
		return false, fmt.Errorf("status update without message id")
	}

	tr := db.Transition{ID: u.MessageID, ProviderMessageID: u.ProviderMessageID, To: target}
	if u.ErrorCode != "" && (target == db.StatusFailed || target == db.StatusUndelivered) {
		code := u.ErrorCode
		tr.ErrorCode = &code
		reason := "carrier_" + target
		tr.Reason = &reason
	}

	msg, applied, err := t.store.TransitionMessage(ctx, tr)
	if errors.Is(err, db.ErrNotFound) {
		t.logger.Warn("status update for unknown message",
			zap.String("message_id", u.MessageID.String()),
			zap.String("provider_message_id", u.ProviderMessageID),
			zap.String("status", u.Status),
		)
		metrics.RecordStatusCallback(target, false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply status update: %w", err)
	}

	metrics.RecordStatusCallback(target, applied)
	if !applied {
		t.logger.Debug("status update ignored",
			zap.String("message_id", msg.ID.String()),
			zap.String("current", msg.Status),
			zap.String("reported", target),
		)
		return false, nil
	}

	t.logger.Info("sms status updated",
		zap.String("message_id", msg.ID.String()),
		zap.String("status", msg.Status),
	)
	t.Notify(ctx, msg)
	return true, nil
}

// Notify publishes msg's current status. Publishing is best effort: the
// status change is already committed.
func (t *Tracker) Notify(ctx context.Context, msg *db.SMSMessage) {
	if t.publisher == nil {
		return
	}

	evt := sns.StatusEvent{
		MessageID:  msg.ID.String(),
		TenantID:   msg.TenantID.String(),
		TriggerID:  msg.TriggerID.String(),
		EventID:    msg.EventID,
		Status:     msg.Status,
		OccurredAt: time.Now().UTC(),
	}
	if msg.Reason != nil {
		evt.Reason = *msg.Reason
	}
	if msg.ErrorCode != nil {
		evt.ErrorCode = *msg.ErrorCode
	}
	if msg.ProviderMessageID != nil {
		evt.ProviderMessageID = *msg.ProviderMessageID
	}

	if _, err := t.publisher.Publish(ctx, evt); err != nil {
		t.logger.Warn("failed to publish status event",
			zap.String("message_id", evt.MessageID),
			zap.String("status", evt.Status),
			zap.Error(err),
		)
	}
}
