package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/metrics"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Consecutive transient failures before opening the circuit
	FailureThreshold int64 `json:"failure_threshold"`

	// Successful trial requests required in half-open before closing
	SuccessThreshold int64 `json:"success_threshold"`

	// Time the circuit stays open before a trial request is allowed
	Timeout time.Duration `json:"timeout"`

	// Upper bound for the doubled open timeout
	MaxTimeout time.Duration `json:"max_timeout"`

	// Whether repeated trips double the open timeout
	ExponentialBackoff bool `json:"exponential_backoff"`
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:   5,
		SuccessThreshold:   1,
		Timeout:            30 * time.Second,
		MaxTimeout:         5 * time.Minute,
		ExponentialBackoff: true,
	}
}

// ConfigFromSettings converts the circuit breaker config section.
func ConfigFromSettings(cfg config.CircuitBreakerConfig) *Config {
	c := DefaultConfig()
	if cfg.FailureThreshold > 0 {
		c.FailureThreshold = int64(cfg.FailureThreshold)
	}
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}
	if cfg.HalfOpenRequests > 0 {
		c.SuccessThreshold = int64(cfg.HalfOpenRequests)
	}
	return c
}

// Statistics tracks circuit breaker outcomes
type Statistics struct {
	TotalRequests        int64     `json:"total_requests"`
	SuccessfulRequests   int64     `json:"successful_requests"`
	FailedRequests       int64     `json:"failed_requests"`
	RejectedRequests     int64     `json:"rejected_requests"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	LastFailureTime      time.Time `json:"last_failure_time"`
	LastSuccessTime      time.Time `json:"last_success_time"`
	StateTransitions     int64     `json:"state_transitions"`
	Trips                int64     `json:"trips"`
}

// CircuitBreaker guards one external provider (for example "stt.deepgram").
// Only transient failures count toward tripping: a rejected request (bad key,
// bad input) says nothing about provider health.
type CircuitBreaker struct {
	name        string
	logger      *logrus.Entry
	config      *Config
	state       State
	nextAttempt time.Time
	halfOpenRun bool
	stats       Statistics
	mutex       sync.Mutex
	now         func() time.Time

	onStateChange func(name string, from State, to State)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, cfg *Config, logger *logrus.Logger) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CircuitBreaker{
		name:   name,
		logger: logger.WithField("circuit_breaker", name),
		config: cfg,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return NewCircuitBreakerOpenError(cb.name, StateOpen)
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.recordSuccess()
	case errors.IsRetryable(err):
		cb.recordFailure(err)
	default:
		cb.recordNeutral()
	}
	return err
}

// allowRequest checks if a request should be allowed
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().After(cb.nextAttempt) {
			cb.setState(StateHalfOpen)
			cb.halfOpenRun = true
			return true
		}
		cb.stats.RejectedRequests++
		return false
	case StateHalfOpen:
		// one trial request at a time
		if cb.halfOpenRun {
			cb.stats.RejectedRequests++
			return false
		}
		cb.halfOpenRun = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.halfOpenRun = false
	cb.stats.TotalRequests++
	cb.stats.SuccessfulRequests++
	cb.stats.ConsecutiveFailures = 0
	cb.stats.ConsecutiveSuccesses++
	cb.stats.LastSuccessTime = cb.now()

	if cb.state == StateHalfOpen && cb.stats.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.halfOpenRun = false
	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
	cb.stats.ConsecutiveFailures++
	cb.stats.ConsecutiveSuccesses = 0
	cb.stats.LastFailureTime = cb.now()

	if cb.state == StateHalfOpen || cb.stats.ConsecutiveFailures >= cb.config.FailureThreshold {
		cb.setState(StateOpen)
	}

	cb.logger.WithError(err).WithFields(logrus.Fields{
		"failures": cb.stats.ConsecutiveFailures,
		"state":    cb.state.String(),
	}).Debug("Circuit breaker recorded failure")
}

func (cb *CircuitBreaker) recordNeutral() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.halfOpenRun = false
	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
}

// setState must be called with the mutex held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateOpen:
		cb.stats.Trips++
		timeout := cb.config.Timeout
		if cb.config.ExponentialBackoff {
			shift := cb.stats.Trips - 1
			if shift > 10 {
				shift = 10
			}
			timeout = cb.config.Timeout * time.Duration(int64(1)<<uint(shift))
			if cb.config.MaxTimeout > 0 && timeout > cb.config.MaxTimeout {
				timeout = cb.config.MaxTimeout
			}
		}
		cb.nextAttempt = cb.now().Add(timeout)

	case StateClosed:
		cb.stats.ConsecutiveFailures = 0
		cb.stats.Trips = 0
		cb.nextAttempt = time.Time{}

	case StateHalfOpen:
		cb.stats.ConsecutiveSuccesses = 0
	}

	cb.stats.StateTransitions++
	metrics.SetBreakerState(cb.name, int(newState))

	cb.logger.WithFields(logrus.Fields{
		"from_state": oldState.String(),
		"to_state":   newState.String(),
		"failures":   cb.stats.ConsecutiveFailures,
	}).Info("Circuit breaker state changed")

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetStatistics returns a copy of the statistics
func (cb *CircuitBreaker) GetStatistics() Statistics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.stats
}

// Reset returns the breaker to closed and clears statistics
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.stats = Statistics{}
	cb.halfOpenRun = false
	cb.logger.Info("Circuit breaker reset")
}

// SetStateChangeCallback sets a callback for state changes
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(name string, from State, to State)) {
	cb.mutex.Lock()
	cb.onStateChange = callback
	cb.mutex.Unlock()
}

// GetName returns the circuit breaker name
func (cb *CircuitBreaker) GetName() string {
	return cb.name
}

// IsOpen returns true if the circuit is open
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.GetState() == StateOpen
}
