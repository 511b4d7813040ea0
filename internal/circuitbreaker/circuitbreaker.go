// Package circuitbreaker stops the dispatcher from hammering an SMS carrier
// that is already failing.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
//
//	closed    -> open       after MaxFailures consecutive carrier failures
//	open      -> half-open  once RecoveryTimeout has passed since the last failure
//	half-open -> closed     when a trial send succeeds
//	half-open -> open       when a trial send fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures one breaker. Zero values fall back to DefaultConfig.
type Config struct {
	// Name identifies the protected carrier, e.g. "twilio".
	Name string

	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange runs under the breaker's lock after every transition
	// and must not call back into the breaker.
	OnStateChange func(name string, to State)
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Stats is a point-in-time snapshot, reported on /health.
type Stats struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"consecutive_failures"`
	Requests     int64     `json:"requests"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	Rejected     int64     `json:"rejected"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
	Since        time.Time `json:"since"`
}

// CircuitBreaker fails fast while a carrier is considered down. After
// RecoveryTimeout a limited number of trial sends go through; one success
// closes the circuit again.
type CircuitBreaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int // consecutive
	trials   int // admitted while half-open
	stats    Stats
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	logger.Info("circuit breaker created",
		zap.String("carrier", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
		stats:  Stats{Name: cfg.Name, Since: time.Now()},
	}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow reports whether a call may proceed. Every admitted call must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Requests++

	admitted := false
	switch cb.state {
	case StateClosed:
		admitted = true
	case StateOpen:
		if cb.now().Sub(cb.stats.LastFailure) >= cb.cfg.RecoveryTimeout {
			cb.setState(StateHalfOpen)
			cb.trials = 1
			cb.logger.Info("circuit breaker half-open, trying carrier", zap.String("carrier", cb.cfg.Name))
			admitted = true
		}
	case StateHalfOpen:
		if cb.trials < cb.cfg.HalfOpenMaxRequests {
			cb.trials++
			admitted = true
		}
	}

	if !admitted {
		cb.stats.Rejected++
	}
	return admitted
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Successes++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed, carrier recovered", zap.String("carrier", cb.cfg.Name))
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Failures++
	cb.stats.LastFailure = cb.now()
	cb.failures++

	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, trial send failed", zap.String("carrier", cb.cfg.Name))
	case cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker opened",
			zap.String("carrier", cb.cfg.Name),
			zap.Int("failures", cb.failures),
		)
	}
}

// Do runs fn if the breaker allows it. Only errors for which isFailure
// returns true count against the carrier; a nil isFailure counts every error.
// A rejected call returns ErrCircuitOpen without running fn.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error, isFailure func(error) bool) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.cfg.Name)
	}

	err := fn(ctx)
	if err != nil && (isFailure == nil || isFailure(err)) {
		cb.RecordFailure()
	} else {
		// a rejected message still proves the carrier is answering
		cb.RecordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.stats
	s.State = cb.state.String()
	s.FailureCount = cb.failures
	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.logger.Info("circuit breaker reset", zap.String("carrier", cb.cfg.Name))
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.trials = 0
	cb.stats.Since = cb.now()

	cb.logger.Debug("circuit breaker transition",
		zap.String("carrier", cb.cfg.Name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, to)
	}
}
