package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/observability"
	"github.com/BaSui01/flowguard/types"
)

// Operation is the unit of work the invoker protects: given input arguments
// it produces an output payload or fails. Implementations must be idempotent
// under retry.
type Operation func(ctx context.Context, args map[string]any) (map[string]any, error)

// ProtectedInvoker executes one named operation behind the collaborator's
// circuit breaker, retry policy, rate limit, and degradation fallback, in
// that order. It is the building block every higher layer dispatches
// through. Side effects are confined to the named breaker's counters.
type ProtectedInvoker struct {
	registry *Registry
	logger   *zap.Logger
}

// NewProtectedInvoker creates an invoker over the registry.
func NewProtectedInvoker(registry *Registry, logger *zap.Logger) *ProtectedInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProtectedInvoker{
		registry: registry,
		logger:   logger.With(zap.String("component", "invoker")),
	}
}

// Execute runs fn against the named collaborator:
//
//  1. An open breaker rejects immediately with a circuit-open error and no
//     side effect on the collaborator.
//  2. Failures are retried per the collaborator's policy with backoff; the
//     breaker is re-consulted before every attempt, so no retry fires while
//     the circuit is open.
//  3. Exhausted retries record one failure against the breaker.
//  4. A registered fallback then serves the original args; its own error
//     propagates verbatim. Without a fallback the last error propagates.
func (pi *ProtectedInvoker) Execute(ctx context.Context, name string, fn Operation, args map[string]any) (map[string]any, error) {
	breaker := pi.registry.Breaker(name)
	policy := pi.registry.Policy(name)
	limiter := pi.registry.Limiter(name)

	var lastErr error
	attempts := 0

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.DelayFor(attempt - 1)
			pi.logger.Debug("retrying collaborator call",
				zap.String("collaborator", name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				// The abandoned attempt may hold a half-open probe slot.
				breaker.releaseProbe()
				return nil, types.NewError(types.KindCanceled, "invocation canceled").
					WithCollaborator(name).WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		if !breaker.CanExecute() {
			if lastErr == nil {
				return nil, types.NewError(types.KindCircuitOpen, "circuit breaker open").
					WithCollaborator(name)
			}
			// Circuit opened under our feet mid-retry; stop retrying and let
			// the degradation path handle the original failure.
			break
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				// CanExecute already admitted this call; give its probe slot back.
				breaker.releaseProbe()
				return nil, types.NewError(types.KindCanceled, "rate limit wait canceled").
					WithCollaborator(name).WithCause(err)
			}
		}

		result, err := fn(ctx, args)
		attempts++
		if err == nil {
			breaker.RecordSuccess()
			return result, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			break
		}
	}

	if attempts > 0 {
		breaker.RecordFailure(lastErr)
	}

	// Malformed input must surface verbatim; degrading it would mask a
	// caller bug.
	if types.KindOf(lastErr) == types.KindValidation {
		return nil, lastErr
	}

	if fallback, ok := pi.registry.Degradation().Lookup(name); ok {
		pi.logger.Warn("primary path exhausted, invoking fallback",
			zap.String("collaborator", name),
			zap.Error(lastErr))
		pi.registry.sink.Emit(observability.Event{
			Type:         observability.EventFallbackTriggered,
			Collaborator: name,
			Timestamp:    time.Now(),
			Fields:       map[string]any{"error": lastErr.Error()},
		})
		return fallback(ctx, args)
	}

	return nil, lastErr
}
