package queue

import (
	"context"
	"errors"
	"time"
)

// Class is the dispatcher's verdict on a failed send.
type Class int

const (
	Retryable Class = iota
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "retryable"
}

// RetryPolicy bounds retries by attempt count and by total age.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxAge abandons a job once this long has passed since its first
	// enqueue, whatever its attempt count.
	MaxAge time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
		MaxAge:      24 * time.Hour,
	}
}

// Backoff returns the delay before the next try after attempt (0-based)
// failed: BaseDelay * 2^attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// CanRetry reports whether a job that just failed attempt (0-based) gets
// another try.
func (p RetryPolicy) CanRetry(attempt int) bool {
	return attempt+1 < p.MaxAttempts
}

// Expired reports whether the job's retry window has closed.
func (p RetryPolicy) Expired(job *Job, now time.Time) bool {
	if p.MaxAge <= 0 || job.FirstEnqueuedAt.IsZero() {
		return false
	}
	return now.Sub(job.FirstEnqueuedAt) > p.MaxAge
}

// Classify decides whether err is worth retrying. Errors that know their own
// class (carrier errors) decide for themselves; timeouts and anything
// unrecognised are retried, since attempts and age are bounded anyway.
func (p RetryPolicy) Classify(err error) Class {
	if err == nil {
		return Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		if r.Retryable() {
			return Retryable
		}
		return Terminal
	}
	return Retryable
}
