package resilience

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/flowguard/observability"
)

// Registry holds the per-collaborator resilience state: circuit breakers,
// retry policies, rate limiters, and degradation fallbacks, all keyed by
// collaborator name. It is an explicit handle rather than a process-wide
// singleton so isolated engine instances can coexist.
type Registry struct {
	breakers map[string]*CircuitBreaker
	policies map[string]RetryPolicy
	limiters map[string]*rate.Limiter
	degrade  *DegradationRegistry

	defaultBreaker CircuitBreakerConfig
	defaultPolicy  RetryPolicy

	sink   observability.Sink
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewRegistry creates a registry with the given defaults for collaborators
// that were never explicitly configured.
func NewRegistry(sink observability.Sink, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = observability.NopSink{}
	}
	return &Registry{
		breakers:       make(map[string]*CircuitBreaker),
		policies:       make(map[string]RetryPolicy),
		limiters:       make(map[string]*rate.Limiter),
		degrade:        NewDegradationRegistry(),
		defaultBreaker: DefaultCircuitBreakerConfig(),
		defaultPolicy:  DefaultRetryPolicy(),
		sink:           sink,
		logger:         logger,
	}
}

// SetDefaults replaces the fallback breaker config and retry policy used
// for collaborators without an explicit registration. Breakers already
// created keep their original config.
func (r *Registry) SetDefaults(breaker CircuitBreakerConfig, policy RetryPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultBreaker = breaker
	r.defaultPolicy = policy.normalized()
}

// RegisterCircuitBreaker configures the breaker for a collaborator. Replaces
// any existing breaker, discarding its state.
func (r *Registry) RegisterCircuitBreaker(name string, config CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[name] = NewCircuitBreaker(name, config, r.sink, r.logger)
}

// RegisterRetryPolicy configures the retry policy for a collaborator.
func (r *Registry) RegisterRetryPolicy(name string, policy RetryPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = policy.normalized()
}

// RegisterRateLimit installs a token-bucket limit on calls to a
// collaborator. Zero rps removes the limit.
func (r *Registry) RegisterRateLimit(name string, rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rps <= 0 {
		delete(r.limiters, name)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	r.limiters[name] = rate.NewLimiter(rate.Limit(rps), burst)
}

// RegisterDegradation installs a fallback function for a collaborator.
func (r *Registry) RegisterDegradation(name string, fn FallbackFunc) {
	r.degrade.Register(name, fn)
}

// Degradation exposes the fallback lookup table.
func (r *Registry) Degradation() *DegradationRegistry {
	return r.degrade
}

// Breaker returns the breaker for a collaborator, creating one with default
// config on first use. One breaker exists per name, shared by every
// workflow run that calls the collaborator.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.defaultBreaker, r.sink, r.logger)
	r.breakers[name] = cb
	return cb
}

// Policy returns the retry policy for a collaborator, falling back to the
// registry default.
func (r *Registry) Policy(name string) RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[name]; ok {
		return p
	}
	return r.defaultPolicy
}

// Limiter returns the rate limiter for a collaborator, if any.
func (r *Registry) Limiter(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// BreakerStates reports every known breaker's state, for status surfaces.
func (r *Registry) BreakerStates() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}
