package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/observability"
	"github.com/BaSui01/flowguard/resilience"
	"github.com/BaSui01/flowguard/testutil"
	"github.com/BaSui01/flowguard/types"
)

func newTestCoordinator(t *testing.T, sink observability.Sink) *AgentCoordinator {
	t.Helper()
	registry := resilience.NewRegistry(sink, zap.NewNop())
	registry.SetDefaults(
		resilience.CircuitBreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Minute},
		resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	)
	return New(resilience.NewProtectedInvoker(registry, zap.NewNop()), sink, zap.NewNop())
}

// backendTask fails on every backend listed in failing, succeeds elsewhere.
func backendTask(failing map[string]error, calls *[]string) Task {
	return func(ctx context.Context, backend string, args map[string]any) (map[string]any, error) {
		*calls = append(*calls, backend)
		if err, ok := failing[backend]; ok {
			return nil, err
		}
		return map[string]any{"served_by": backend}, nil
	}
}

func TestCoordinator_PrimarySucceeds(t *testing.T) {
	coord := newTestCoordinator(t, nil)

	var calls []string
	res, err := coord.Invoke(testutil.TestContext(t), "gpt", backendTask(nil, &calls), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"gpt"}, calls)
	assert.Equal(t, types.ResultOK, res.Status)
	assert.Equal(t, "gpt", res.Backend)
	assert.Equal(t, types.ConfidenceHigh, res.Confidence)
}

func TestCoordinator_ChainShortCircuitsOnFirstSuccess(t *testing.T) {
	coord := newTestCoordinator(t, nil)
	coord.RegisterFallbackChain("gpt", []string{"claude", "local"})

	down := types.NewError(types.KindUnavailable, "backend down")
	var calls []string
	res, err := coord.Invoke(testutil.TestContext(t), "gpt",
		backendTask(map[string]error{"gpt": down, "claude": down}, &calls), nil)

	// C's result comes back clean; neither primary's nor B's error surfaces.
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt", "claude", "local"}, calls)
	assert.Equal(t, types.ResultOK, res.Status)
	assert.Equal(t, "local", res.Backend)
	assert.Equal(t, "local", res.Output["served_by"])
}

func TestCoordinator_ExhaustedChainReturnsDegraded(t *testing.T) {
	sink := &testutil.RecordingSink{}
	coord := newTestCoordinator(t, sink)
	coord.RegisterFallbackChain("gpt", []string{"claude"})

	down := types.NewError(types.KindUnavailable, "backend down")
	var calls []string
	res, err := coord.Invoke(testutil.TestContext(t), "gpt",
		backendTask(map[string]error{"gpt": down, "claude": down}, &calls), nil)

	require.NoError(t, err, "exhaustion degrades instead of failing")
	assert.True(t, res.IsDegraded())
	assert.Equal(t, types.ConfidenceLow, res.Confidence)
	assert.NotEmpty(t, res.Reason)
	assert.Equal(t, 1, sink.CountByType(observability.EventDegradedResult))
}

func TestCoordinator_ValidationNeverWalksChain(t *testing.T) {
	coord := newTestCoordinator(t, nil)
	coord.RegisterFallbackChain("gpt", []string{"claude"})

	var calls []string
	_, err := coord.Invoke(testutil.TestContext(t), "gpt",
		backendTask(map[string]error{"gpt": types.NewError(types.KindValidation, "bad prompt")}, &calls), nil)

	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
	assert.Equal(t, []string{"gpt"}, calls, "validation errors must not try alternates")
}

func TestCoordinator_LivenessTracking(t *testing.T) {
	coord := newTestCoordinator(t, nil)

	down := types.NewError(types.KindUnavailable, "down")
	var calls []string
	_, _ = coord.Invoke(testutil.TestContext(t), "gpt",
		backendTask(map[string]error{"gpt": down}, &calls), nil)
	_, _ = coord.Invoke(testutil.TestContext(t), "gpt",
		backendTask(map[string]error{"gpt": down}, &calls), nil)

	l := coord.Liveness("gpt")
	assert.Equal(t, AgentErroring, l.Status)
	assert.Equal(t, 2, l.ConsecutiveErrors)
	assert.False(t, l.LastActivity.IsZero())

	// A success makes the agent idle again but keeps the error counter.
	_, err := coord.Invoke(testutil.TestContext(t), "gpt", backendTask(nil, &calls), nil)
	require.NoError(t, err)
	l = coord.Liveness("gpt")
	assert.Equal(t, AgentIdle, l.Status)
	assert.Equal(t, 2, l.ConsecutiveErrors, "only an explicit reset clears the counter")

	coord.ResetAgent("gpt")
	l = coord.Liveness("gpt")
	assert.Equal(t, AgentIdle, l.Status)
	assert.Zero(t, l.ConsecutiveErrors)
}

func TestCoordinator_ChainIsCopied(t *testing.T) {
	coord := newTestCoordinator(t, nil)

	alternates := []string{"claude", "local"}
	coord.RegisterFallbackChain("gpt", alternates)
	alternates[0] = "mutated"

	assert.Equal(t, []string{"claude", "local"}, coord.Chain("gpt"))
}
