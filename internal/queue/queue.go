// Package queue defines the durable dispatch queue contract shared by the SQS
// and Redis backends, plus the explicit retry policy the dispatcher applies.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job is one unit of dispatch work: trigger T should notify for event E. Its
// ID doubles as the SMS message id, so every redelivery and retry of the same
// job lands on the same message record.
type Job struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	TenantDomain    string          `json:"tenant_domain"`
	TriggerID       uuid.UUID       `json:"trigger_id"`
	EventID         string          `json:"event_id"`
	RecipientUserID uuid.UUID       `json:"recipient_user_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	MessageTemplate string          `json:"message_template"`
	MessageClass    string          `json:"message_class"`
	Attempt         int             `json:"attempt"`
	FirstEnqueuedAt time.Time       `json:"first_enqueued_at"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
}

// Delivery is a claimed job. It stays invisible to other consumers until it
// is acked or its visibility timeout runs out.
type Delivery struct {
	Job          *Job
	Receipt      string
	ReceiveCount int
}

// Queue is an at-least-once job queue with per-delivery visibility timeouts.
type Queue interface {
	// Enqueue makes job visible after delay.
	Enqueue(ctx context.Context, job *Job, delay time.Duration) error
	// Receive claims the next visible job. It returns (nil, nil) when none
	// became visible within the backend's wait time.
	Receive(ctx context.Context) (*Delivery, error)
	// Ack removes a delivery for good.
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}

// Stamp fills the enqueue timestamps. FirstEnqueuedAt is only set once so the
// retry window is measured from the original enqueue.
func (j *Job) Stamp(now time.Time) {
	if j.FirstEnqueuedAt.IsZero() {
		j.FirstEnqueuedAt = now
	}
	j.EnqueuedAt = now
}

// NextAttempt returns a copy of j for the following attempt.
func (j *Job) NextAttempt() *Job {
	next := *j
	next.Attempt = j.Attempt + 1
	return &next
}
