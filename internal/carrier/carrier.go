// Package carrier sends rendered SMS messages through a provider (Twilio,
// AWS SNS, or a logging stub for development).
package carrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/circuitbreaker"
)

// DefaultTimeout bounds a single carrier call.
const DefaultTimeout = 10 * time.Second

// Outbound is one message ready to hand to a carrier.
type Outbound struct {
	MessageID   string
	To          string
	Body        string
	Class       string // transactional or marketing
	CallbackURL string
}

// Carrier sends SMS. Send returns the provider's message id.
type Carrier interface {
	Send(ctx context.Context, msg Outbound) (string, error)
	Name() string
}

// Error is a classified carrier failure. Code is the provider's error code
// when one was returned.
type Error struct {
	Carrier   string
	Code      string
	Status    int
	Message   string
	retryable bool
	err       error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s)", e.Carrier, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Carrier, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether the same message may succeed on a later try.
func (e *Error) Retryable() bool { return e.retryable }

// Retryablef builds a transient carrier error.
func Retryablef(carrier string, err error, format string, args ...any) *Error {
	return &Error{Carrier: carrier, Message: fmt.Sprintf(format, args...), retryable: true, err: err}
}

// Terminalf builds a permanent carrier error.
func Terminalf(carrier, code string, err error, format string, args ...any) *Error {
	return &Error{Carrier: carrier, Code: code, Message: fmt.Sprintf(format, args...), err: err}
}

// ErrorCode extracts the provider code from err, or "".
func ErrorCode(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable treats unclassified errors, including timeouts, as transient.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.retryable
	}
	return true
}

// sendWithTimeout runs a blocking provider call with a hard deadline. SDK
// calls that take no context are abandoned, not cancelled, on timeout.
func sendWithTimeout(ctx context.Context, timeout time.Duration, call func() (string, error)) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := call()
		done <- result{id, err}
	}()

	select {
	case r := <-done:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Protected wraps a Carrier with a circuit breaker. Only transient failures
// count against the breaker; an open circuit surfaces as a retryable error so
// the dispatcher backs off instead of failing the message.
type Protected struct {
	carrier Carrier
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewProtected(c Carrier, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Protected {
	return &Protected{carrier: c, breaker: breaker, logger: logger}
}

func (p *Protected) Name() string { return p.carrier.Name() }

func (p *Protected) Send(ctx context.Context, msg Outbound) (string, error) {
	var providerID string
	err := p.breaker.Do(ctx, func(ctx context.Context) error {
		id, err := p.carrier.Send(ctx, msg)
		providerID = id
		return err
	}, IsRetryable)

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("carrier", p.carrier.Name()),
			zap.String("message_id", msg.MessageID),
		)
		return "", Retryablef(p.carrier.Name(), err, "carrier unavailable")
	}
	return providerID, err
}

// Breaker exposes the breaker for health reporting.
func (p *Protected) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
