// Package coordinator dispatches agent-backed work with ordered fallback
// across alternative backends. When a primary backend is unavailable the
// same logical task is retried against each alternative in turn; when the
// whole chain fails the caller receives a degraded-result marker instead of
// an error, so downstream synthesis can proceed with reduced confidence.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/observability"
	"github.com/BaSui01/flowguard/resilience"
	"github.com/BaSui01/flowguard/types"
)

// Task is one logical unit of agent work, parameterized by the backend it
// should run against so the coordinator can replay it down a fallback chain.
type Task func(ctx context.Context, backend string, args map[string]any) (map[string]any, error)

// AgentStatus is the liveness state of one backend.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentErroring AgentStatus = "erroring"
)

// AgentLiveness is observability state per backend. It never influences
// dispatch decisions; the circuit breaker does that.
type AgentLiveness struct {
	Status            AgentStatus `json:"status"`
	LastActivity      time.Time   `json:"last_activity"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
}

// AgentCoordinator wraps the protected invoker with fallback chains and
// per-agent liveness tracking.
type AgentCoordinator struct {
	invoker *resilience.ProtectedInvoker
	chains  map[string][]string
	agents  map[string]*AgentLiveness

	sink   observability.Sink
	logger *zap.Logger
	mu     sync.RWMutex
}

// New creates a coordinator over the invoker.
func New(invoker *resilience.ProtectedInvoker, sink observability.Sink, logger *zap.Logger) *AgentCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = observability.NopSink{}
	}
	return &AgentCoordinator{
		invoker: invoker,
		chains:  make(map[string][]string),
		agents:  make(map[string]*AgentLiveness),
		sink:    sink,
		logger:  logger.With(zap.String("component", "coordinator")),
	}
}

// RegisterFallbackChain declares the ordered alternatives tried when the
// primary backend is unavailable.
func (c *AgentCoordinator) RegisterFallbackChain(primary string, alternatives []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[primary] = append([]string(nil), alternatives...)
}

// Chain returns the fallback chain for a primary backend.
func (c *AgentCoordinator) Chain(primary string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.chains[primary]...)
}

// Liveness returns a copy of a backend's liveness state.
func (c *AgentCoordinator) Liveness(backend string) AgentLiveness {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l, ok := c.agents[backend]; ok {
		return *l
	}
	return AgentLiveness{Status: AgentIdle}
}

// ResetAgent returns a backend's liveness to idle. Liveness is never reset
// implicitly.
func (c *AgentCoordinator) ResetAgent(backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[backend] = &AgentLiveness{Status: AgentIdle, LastActivity: time.Now()}
}

// Invoke runs the task against the primary backend and, on unavailability,
// walks the registered fallback chain in order, short-circuiting on the
// first success. Input-validation failures propagate immediately and never
// fall back. When every backend fails, a degraded-result marker is returned
// with a nil error so the workflow can continue at reduced confidence.
func (c *AgentCoordinator) Invoke(ctx context.Context, primary string, task Task, args map[string]any) (*types.AgentResult, error) {
	backends := append([]string{primary}, c.Chain(primary)...)

	var lastErr error
	for i, backend := range backends {
		if i > 0 {
			c.logger.Info("falling back to alternative backend",
				zap.String("primary", primary),
				zap.String("backend", backend),
				zap.Error(lastErr))
			c.sink.Emit(observability.Event{
				Type:         observability.EventFallbackTriggered,
				Collaborator: primary,
				Timestamp:    time.Now(),
				Fields:       map[string]any{"backend": backend},
			})
		}

		c.markBusy(backend)
		output, err := c.invoker.Execute(ctx, backend, func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return task(ctx, backend, args)
		}, args)
		if err == nil {
			c.markIdleAfterSuccess(backend)
			return &types.AgentResult{
				Status:     types.ResultOK,
				Backend:    backend,
				Output:     output,
				Confidence: types.ConfidenceHigh,
				ProducedAt: time.Now(),
			}, nil
		}
		c.markErroring(backend)
		lastErr = err

		switch types.KindOf(err) {
		case types.KindValidation:
			// Malformed input would fail identically on every backend;
			// surface it verbatim instead of walking the chain.
			return nil, err
		case types.KindCanceled:
			return nil, err
		}
		// Everything else reads as "this backend cannot serve right now":
		// keep walking the chain.
	}

	reason := fmt.Sprintf("all %d backends failed for %s: %v", len(backends), primary, lastErr)
	c.logger.Warn("fallback chain exhausted, returning degraded result",
		zap.String("primary", primary),
		zap.Error(lastErr))
	c.sink.Emit(observability.Event{
		Type:         observability.EventDegradedResult,
		Collaborator: primary,
		Timestamp:    time.Now(),
		Fields:       map[string]any{"reason": reason},
	})
	return types.Degraded(reason), nil
}

func (c *AgentCoordinator) markBusy(backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.livenessLocked(backend)
	l.Status = AgentBusy
	l.LastActivity = time.Now()
}

// markIdleAfterSuccess clears the busy flag but keeps the consecutive-error
// counter; only an explicit ResetAgent call zeroes it.
func (c *AgentCoordinator) markIdleAfterSuccess(backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.livenessLocked(backend)
	l.Status = AgentIdle
	l.LastActivity = time.Now()
}

func (c *AgentCoordinator) markErroring(backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.livenessLocked(backend)
	l.Status = AgentErroring
	l.LastActivity = time.Now()
	l.ConsecutiveErrors++
}

// livenessLocked must be called with c.mu held.
func (c *AgentCoordinator) livenessLocked(backend string) *AgentLiveness {
	l, ok := c.agents[backend]
	if !ok {
		l = &AgentLiveness{Status: AgentIdle}
		c.agents[backend] = l
	}
	return l
}
