package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/types"
)

// RetryPolicy computes retry decisions and backoff delays for a single
// operation. It is stateless and safe to share across invocations.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Multiplier is the exponential growth factor.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// Jitter scales each delay by a uniform factor in [0.5, 1.0] to avoid
	// synchronized retry storms.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns sane defaults for collaborator calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// normalized returns a copy with invalid fields replaced by defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// DelayFor computes the backoff before retrying after the given zero-based
// attempt index: min(maxDelay, baseDelay * multiplier^attempt), optionally
// scaled by a uniform random factor in [0.5, 1.0].
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after the given
// zero-based attempt index failed with err.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	p = p.normalized()
	if attempt+1 >= p.MaxAttempts {
		return false
	}
	return types.IsRetryable(err)
}

// Retryer runs a function under a retry policy with context-aware backoff
// sleeps between attempts.
type Retryer struct {
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryer creates a Retryer for the policy.
func NewRetryer(policy RetryPolicy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy.normalized(), logger: logger}
}

// Do executes fn under the policy. The backoff sleep between attempts is the
// only suspension point and honors context cancellation.
func (r *Retryer) Do(ctx context.Context, fn func() (map[string]any, error)) (map[string]any, error) {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.policy.DelayFor(attempt - 1)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return nil, types.NewError(types.KindCanceled, "retry aborted").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			r.logger.Debug("error not retryable", zap.Error(err))
			return nil, err
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr))
	return nil, lastErr
}
