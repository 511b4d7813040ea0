// Package ingest accepts events: it validates and persists them, matches
// triggers and enqueues one dispatch job per match. It never talks to the
// carrier.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/ids"
	"github.com/lalithlochan/smsrelay/internal/metrics"
	"github.com/lalithlochan/smsrelay/internal/queue"
)

// MaxEventTypeLen is the longest accepted event type.
const MaxEventTypeLen = 50

var (
	ErrInvalidEventType = errors.New("event_type is required and must be at most 50 characters")
	ErrInvalidPayload   = errors.New("metadata must be a JSON object")
)

// IsValidation reports whether err is a client input error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidEventType) || errors.Is(err, ErrInvalidPayload)
}

type EventStore interface {
	CreateEvent(ctx context.Context, evt *db.Event) error
}

type Matcher interface {
	Match(ctx context.Context, tenantID uuid.UUID, eventType string) ([]*db.Trigger, error)
}

type Input struct {
	EventType string
	Payload   json.RawMessage
	Source    string
	// IdempotencyKey, when set, makes a retried request resolve to the
	// event and jobs of the first attempt.
	IdempotencyKey string
}

type Result struct {
	EventID         string
	TriggersMatched int
	CreatedAt       time.Time
}

type Service struct {
	events  EventStore
	matcher Matcher
	queue   queue.Queue
	logger  *zap.Logger

	attempts int
	backoff  time.Duration
	now      func() time.Time
}

func NewService(events EventStore, matcher Matcher, q queue.Queue, logger *zap.Logger) *Service {
	return &Service{
		events:   events,
		matcher:  matcher,
		queue:    q,
		logger:   logger,
		attempts: 3,
		backoff:  50 * time.Millisecond,
		now:      time.Now,
	}
}

// Ingest records one event for tenant and fans it out to matching triggers.
func (s *Service) Ingest(ctx context.Context, tenant *db.Tenant, in Input) (*Result, error) {
	payload, err := validate(in)
	if err != nil {
		return nil, err
	}

	evt := &db.Event{
		ID:        ids.NewEventID(),
		TenantID:  tenant.ID,
		EventType: in.EventType,
		Payload:   payload,
		Source:    in.Source,

		IdempotencyKey: in.IdempotencyKey,
	}
	if evt.Source == "" {
		evt.Source = db.SourceAPI
	}

	if err := s.retry(ctx, func() error { return s.events.CreateEvent(ctx, evt) }); err != nil {
		s.logger.Error("failed to persist event",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("event_type", evt.EventType),
			zap.Error(err),
		)
		return nil, fmt.Errorf("persist event: %w", err)
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.now().UTC()
	}

	triggers, err := s.matcher.Match(ctx, tenant.ID, evt.EventType)
	if err != nil {
		return nil, fmt.Errorf("match triggers: %w", err)
	}

	for _, t := range triggers {
		job := s.jobFor(tenant, evt, t)
		if err := s.retry(ctx, func() error { return s.queue.Enqueue(ctx, job, 0) }); err != nil {
			s.logger.Error("failed to enqueue dispatch job",
				zap.String("event_id", evt.ID),
				zap.String("trigger_id", t.ID.String()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		metrics.RecordJobEnqueued("initial")
	}

	metrics.RecordEventIngested(evt.Source, len(triggers))
	s.logger.Info("event ingested",
		zap.String("event_id", evt.ID),
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("event_type", evt.EventType),
		zap.String("source", evt.Source),
		zap.Int("triggers_matched", len(triggers)),
	)

	return &Result{EventID: evt.ID, TriggersMatched: len(triggers), CreatedAt: evt.CreatedAt}, nil
}

func validate(in Input) (json.RawMessage, error) {
	if in.EventType == "" || utf8.RuneCountInString(in.EventType) > MaxEventTypeLen {
		return nil, ErrInvalidEventType
	}

	payload := bytes.TrimSpace(in.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, ErrInvalidPayload
	}
	return json.RawMessage(payload), nil
}

// jobNamespace seeds the name-based job ids.
var jobNamespace = uuid.MustParse("6f1c2a7e-3d45-4b8e-9a60-52c1d8e0f4b3")

// JobID is the dispatch job (and SMS message) id for one trigger firing on
// one event. Re-enqueueing the same pair reuses the message, so the
// dispatcher drops the copy once the first has been processed.
func JobID(eventID string, triggerID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(jobNamespace, []byte(eventID+"/"+triggerID.String()))
}

// jobFor builds the dispatch job for one matched trigger. A trigger without
// its own recipient notifies the tenant's owner.
func (s *Service) jobFor(tenant *db.Tenant, evt *db.Event, t *db.Trigger) *queue.Job {
	recipient := tenant.OwnerUserID
	if t.RecipientUserID != nil {
		recipient = *t.RecipientUserID
	}
	class := t.MessageClass
	if class == "" {
		class = db.ClassTransactional
	}

	job := &queue.Job{
		ID:              JobID(evt.ID, t.ID),
		TenantID:        tenant.ID,
		TenantDomain:    tenant.Domain,
		TriggerID:       t.ID,
		EventID:         evt.ID,
		RecipientUserID: recipient,
		EventType:       evt.EventType,
		Payload:         evt.Payload,
		MessageTemplate: t.MessageTemplate,
		MessageClass:    class,
	}
	job.Stamp(s.now().UTC())
	return job
}

// retry runs fn up to s.attempts times, sleeping backoff*n between tries.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		s.logger.Warn("write failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
	return err
}
