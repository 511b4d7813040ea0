// Package dispatch consumes dispatch jobs and drives each SMS message from
// queued to a final status.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/carrier"
	"github.com/lalithlochan/smsrelay/internal/compliance"
	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/metrics"
	"github.com/lalithlochan/smsrelay/internal/queue"
)

// Failure reasons recorded on failed messages.
const (
	ReasonRetryWindowExceeded = "retry_window_exceeded"
	ReasonInvalidDestination  = "invalid_destination"
	ReasonTemplateError       = "template_error"
	ReasonCarrierRejected     = "carrier_rejected"
	ReasonRetriesExhausted    = "retries_exhausted"
)

type Store interface {
	EnsureMessage(ctx context.Context, msg *db.SMSMessage) (*db.SMSMessage, bool, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	SetMessageContent(ctx context.Context, id uuid.UUID, to, body string, attempts int) error
	TransitionMessage(ctx context.Context, t db.Transition) (*db.SMSMessage, bool, error)
	FailMessage(ctx context.Context, id uuid.UUID, reason, errorCode string, dl *db.DeadLetterJob) (bool, error)
}

type Gate interface {
	Check(ctx context.Context, req compliance.Request) (compliance.Decision, error)
	Charge(ctx context.Context, userID, msgID uuid.UUID) error
	Release(ctx context.Context, userID, msgID uuid.UUID) error
}

// Notifier is told about every status change the dispatcher applies.
type Notifier interface {
	Notify(ctx context.Context, msg *db.SMSMessage)
}

type Config struct {
	Policy queue.RetryPolicy
	// CallbackURL is handed to the carrier for delivery reports.
	CallbackURL string
}

type Dispatcher struct {
	store    Store
	gate     Gate
	carrier  carrier.Carrier
	queue    queue.Queue
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Store, gate Gate, c carrier.Carrier, q queue.Queue, notifier Notifier, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = queue.DefaultRetryPolicy()
	}
	return &Dispatcher{
		store:    store,
		gate:     gate,
		carrier:  c,
		queue:    q,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Process handles one delivery. The delivery is acked once the message
// reaches a decision: sent, skipped, failed, or rescheduled as a new attempt.
// An error before that leaves it unacked so the queue redelivers it after
// the visibility timeout.
func (d *Dispatcher) Process(ctx context.Context, dl *queue.Delivery) error {
	job := dl.Job
	log := d.logger.With(
		zap.String("message_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("trigger_id", job.TriggerID.String()),
		zap.Int("attempt", job.Attempt),
		zap.Int("receive_count", dl.ReceiveCount),
	)

	msg, _, err := d.store.EnsureMessage(ctx, &db.SMSMessage{
		ID:              job.ID,
		TenantID:        job.TenantID,
		RecipientUserID: job.RecipientUserID,
		TriggerID:       job.TriggerID,
		EventID:         job.EventID,
	})
	if err != nil {
		return fmt.Errorf("ensure sms message: %w", err)
	}

	if msg.Status != db.StatusQueued {
		log.Info("message already processed, dropping duplicate delivery", zap.String("status", msg.Status))
		metrics.RecordDispatch("duplicate", msg.Status)
		return d.ack(ctx, dl, log)
	}
	if msg.Attempts > job.Attempt+1 {
		log.Info("stale delivery of an earlier attempt", zap.Int("message_attempts", msg.Attempts))
		metrics.RecordDispatch("duplicate", "stale_attempt")
		return d.ack(ctx, dl, log)
	}

	if d.cfg.Policy.Expired(job, d.now()) {
		return d.fail(ctx, dl, msg, ReasonRetryWindowExceeded, "", "retry window exceeded", log)
	}

	user, err := d.store.GetUser(ctx, job.RecipientUserID)
	if errors.Is(err, db.ErrNotFound) {
		return d.fail(ctx, dl, msg, ReasonInvalidDestination, "", "recipient not found", log)
	}
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if user.PhoneNumber == nil || *user.PhoneNumber == "" {
		return d.fail(ctx, dl, msg, ReasonInvalidDestination, "", "recipient has no phone number", log)
	}
	phone := *user.PhoneNumber

	decision, err := d.gate.Check(ctx, compliance.Request{
		MessageID: job.ID,
		UserID:    job.RecipientUserID,
		Phone:     phone,
		Class:     job.MessageClass,
	})
	if err != nil {
		return fmt.Errorf("compliance check: %w", err)
	}
	if !decision.Allowed {
		return d.skip(ctx, dl, decision.Reason, log)
	}

	body, err := carrier.Render(job.MessageTemplate, carrier.TemplateData(job.EventType, job.TenantDomain, job.Payload))
	if err != nil {
		d.release(ctx, job, log)
		return d.fail(ctx, dl, msg, ReasonTemplateError, "", err.Error(), log)
	}

	if err := d.store.SetMessageContent(ctx, job.ID, phone, body, job.Attempt+1); err != nil {
		d.release(ctx, job, log)
		return fmt.Errorf("store message content: %w", err)
	}

	start := time.Now()
	providerID, sendErr := d.carrier.Send(ctx, carrier.Outbound{
		MessageID:   job.ID.String(),
		To:          phone,
		Body:        body,
		Class:       job.MessageClass,
		CallbackURL: d.cfg.CallbackURL,
	})
	metrics.RecordCarrierSend(d.carrier.Name(), sendErr, time.Since(start))

	if sendErr == nil {
		return d.sent(ctx, dl, providerID, log)
	}
	return d.sendFailed(ctx, dl, msg, sendErr, log)
}

func (d *Dispatcher) sent(ctx context.Context, dl *queue.Delivery, providerID string, log *zap.Logger) error {
	job := dl.Job
	updated, applied, err := d.store.TransitionMessage(ctx, db.Transition{
		ID:            job.ID,
		To:            db.StatusSent,
		SetProviderID: &providerID,
	})
	if err != nil {
		// The carrier has the message; a redelivery will send it again. That
		// duplicate is visible but the quota is still charged only once.
		log.Error("sent sms but failed to record it", zap.String("provider_message_id", providerID), zap.Error(err))
		return fmt.Errorf("record sent: %w", err)
	}

	if err := d.gate.Charge(ctx, job.RecipientUserID, job.ID); err != nil {
		log.Error("failed to charge quota", zap.Error(err))
	}

	if applied {
		d.notify(ctx, updated)
	}
	log.Info("sms sent", zap.String("provider_message_id", providerID), zap.String("carrier", d.carrier.Name()))
	metrics.RecordDispatch("sent", "")
	return d.ack(ctx, dl, log)
}

func (d *Dispatcher) sendFailed(ctx context.Context, dl *queue.Delivery, msg *db.SMSMessage, sendErr error, log *zap.Logger) error {
	job := dl.Job
	d.release(ctx, job, log)

	// the pool gave up draining: leave the job for redelivery
	if ctx.Err() != nil {
		return fmt.Errorf("send interrupted: %w", sendErr)
	}

	code := carrier.ErrorCode(sendErr)
	if d.cfg.Policy.Classify(sendErr) == queue.Terminal {
		return d.fail(ctx, dl, msg, ReasonCarrierRejected, code, sendErr.Error(), log)
	}

	if !d.cfg.Policy.CanRetry(job.Attempt) {
		return d.fail(ctx, dl, msg, ReasonRetriesExhausted, code, sendErr.Error(), log)
	}

	delay := d.cfg.Policy.Backoff(job.Attempt)
	if err := d.queue.Enqueue(ctx, job.NextAttempt(), delay); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	metrics.RecordJobEnqueued("retry")
	metrics.RecordDispatch("retried", code)
	log.Warn("sms send failed, retry scheduled",
		zap.Error(sendErr),
		zap.Duration("delay", delay),
	)
	return d.ack(ctx, dl, log)
}

func (d *Dispatcher) skip(ctx context.Context, dl *queue.Delivery, reason string, log *zap.Logger) error {
	updated, applied, err := d.store.TransitionMessage(ctx, db.Transition{
		ID:     dl.Job.ID,
		To:     db.StatusSkipped,
		Reason: &reason,
	})
	if err != nil {
		return fmt.Errorf("record skip: %w", err)
	}
	if applied {
		d.notify(ctx, updated)
	}
	log.Info("sms skipped", zap.String("reason", reason))
	metrics.RecordDispatch("skipped", reason)
	return d.ack(ctx, dl, log)
}

// fail marks the message failed and parks the job as a dead letter.
func (d *Dispatcher) fail(ctx context.Context, dl *queue.Delivery, msg *db.SMSMessage, reason, code, detail string, log *zap.Logger) error {
	job := dl.Job
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dead letter job: %w", err)
	}

	applied, err := d.store.FailMessage(ctx, job.ID, reason, code, &db.DeadLetterJob{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		TriggerID: job.TriggerID,
		EventID:   job.EventID,
		Job:       raw,
		Attempts:  job.Attempt + 1,
		LastError: detail,
	})
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	if applied {
		failed := *msg
		failed.Status = db.StatusFailed
		failed.Reason = &reason
		if code != "" {
			failed.ErrorCode = &code
		}
		d.notify(ctx, &failed)
	}
	log.Warn("sms failed",
		zap.String("reason", reason),
		zap.String("error_code", code),
		zap.String("detail", detail),
	)
	metrics.RecordDispatch("failed", reason)
	return d.ack(ctx, dl, log)
}

func (d *Dispatcher) release(ctx context.Context, job *queue.Job, log *zap.Logger) {
	// a shutdown-cancelled ctx must not strand the reservation
	if err := d.gate.Release(context.WithoutCancel(ctx), job.RecipientUserID, job.ID); err != nil {
		log.Error("failed to release quota reservation", zap.Error(err))
	}
}

func (d *Dispatcher) notify(ctx context.Context, msg *db.SMSMessage) {
	if d.notifier != nil {
		d.notifier.Notify(ctx, msg)
	}
}

func (d *Dispatcher) ack(ctx context.Context, dl *queue.Delivery, log *zap.Logger) error {
	if err := d.queue.Ack(ctx, dl); err != nil {
		log.Warn("failed to ack delivery", zap.Error(err))
		return fmt.Errorf("ack delivery: %w", err)
	}
	return nil
}
