package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current state of the circuit breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  the probe succeeds
//	HalfOpen -> Open:    the probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a channel endpoint is being skipped after
// repeated failures.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError carries the earliest time a probe will be let through.
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s endpoint unavailable until %s", ErrCircuitOpen, e.Name, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name is the channel the breaker guards.
	Name            string
	MaxFailures     int
	RecoveryTimeout time.Duration
	// HalfOpenMaxRequests is the number of probes allowed while half-open.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the per-channel defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker stops delivery attempts to an endpoint that keeps failing.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	failureCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	return &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// SetClock replaces the time source. Tests only.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Allow reports whether a request may proceed. When it may not, the
// returned error is an *OpenError.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		retryAt := cb.lastFailureTime.Add(cb.config.RecoveryTimeout)
		if !cb.now().Before(retryAt) {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			cb.logger.Info("circuit breaker allowing probe request",
				zap.String("name", cb.config.Name),
			)
			return nil
		}
		cb.totalRejected++
		return &OpenError{Name: cb.config.Name, RetryAt: retryAt}

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return nil
		}
		cb.totalRejected++
		return &OpenError{Name: cb.config.Name, RetryAt: cb.now().Add(cb.config.RecoveryTimeout)}
	}
	return nil
}

// RecordSuccess closes a half-open circuit and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, endpoint recovered",
			zap.String("name", cb.config.Name),
		)
	}
}

// RecordFailure counts a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failureCount),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time view for the stats endpoint.
type Stats struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	FailureCount   int    `json:"failure_count"`
	TotalFailures  int64  `json:"total_failures"`
	TotalSuccesses int64  `json:"total_successes"`
	TotalRejected  int64  `json:"total_rejected"`
	LastFailure    string `json:"last_failure,omitempty"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:           cb.config.Name,
		State:          cb.state.String(),
		FailureCount:   cb.failureCount,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		TotalRejected:  cb.totalRejected,
	}
	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.Format(time.RFC3339)
	}
	return s
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.logger.Info("circuit breaker manually reset", zap.String("name", cb.config.Name))
}

// transitionTo changes state (must be called with lock held).
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}
