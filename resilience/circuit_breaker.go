package resilience

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/observability"
	"github.com/BaSui01/flowguard/types"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed admits all calls.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all calls until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits a bounded number of probe calls.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// FailurePredicate decides whether an error counts against the breaker.
// Errors it rejects still propagate to the caller but leave the failure
// counter untouched.
type FailurePredicate func(err error) bool

// DefaultFailurePredicate counts transient, unavailable, and timeout-class
// failures. Validation errors never open a breaker.
func DefaultFailurePredicate(err error) bool {
	switch types.KindOf(err) {
	case types.KindValidation, types.KindCanceled:
		return false
	default:
		return true
	}
}

// CircuitBreakerConfig configures a single breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout is how long an open circuit rejects calls before
	// admitting a probe.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes bounds concurrent probes while half-open.
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// CountsAsFailure filters which errors increment the counter.
	// Defaults to DefaultFailurePredicate.
	CountsAsFailure FailurePredicate `json:"-" yaml:"-"`
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker guards one named collaborator. State is process-wide per
// collaborator and shared across every workflow run calling it; all methods
// are safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	state           CircuitState
	failures        int
	lastFailureTime time.Time
	probes          int

	sink   observability.Sink
	logger *zap.Logger
	mu     sync.Mutex
}

// NewCircuitBreaker creates a breaker for the named collaborator.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, sink observability.Sink, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = observability.NopSink{}
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = 1
	}
	if config.CountsAsFailure == nil {
		config.CountsAsFailure = DefaultFailurePredicate
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
		sink:   sink,
		logger: logger.With(zap.String("collaborator", name)),
	}
}

// CanExecute reports whether a call may proceed. Evaluating an open circuit
// whose recovery timeout has elapsed flips it to half-open and admits the
// probe; this is the only side effect.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probes = 1
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxProbes {
			cb.probes++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess resets the breaker after a successful call. Any success
// while half-open closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.transitionTo(CircuitClosed, "probe succeeded")
		cb.failures = 0
		cb.probes = 0
	}
}

// RecordFailure accounts a failed call. Only errors matching the configured
// predicate count; others leave the counters untouched but still return any
// half-open probe slot the call was holding.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.config.CountsAsFailure(err) {
		cb.releaseProbe()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen, "failure in half-open state")
		cb.probes = 0
	}
}

// releaseProbe frees a half-open probe slot whose call resolved without a
// counting success or failure, so a later call can probe instead.
func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.failures = 0
	cb.probes = 0
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	var eventType observability.EventType
	switch newState {
	case CircuitOpen:
		eventType = observability.EventBreakerOpened
	case CircuitClosed:
		eventType = observability.EventBreakerClosed
	case CircuitHalfOpen:
		eventType = observability.EventBreakerHalfOpen
	}
	cb.sink.Emit(observability.Event{
		Type:         eventType,
		Collaborator: cb.name,
		Timestamp:    time.Now(),
		Fields: map[string]any{
			"reason":   reason,
			"failures": cb.failures,
		},
	})
}
