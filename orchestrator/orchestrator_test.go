package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/checkpoint"
	"github.com/BaSui01/flowguard/coordinator"
	"github.com/BaSui01/flowguard/observability"
	"github.com/BaSui01/flowguard/resilience"
	"github.com/BaSui01/flowguard/testutil"
	"github.com/BaSui01/flowguard/types"
)

// fastRegistry keeps retry backoff in the millisecond range so tests never
// sit in real sleeps.
func fastRegistry(sink observability.Sink) *resilience.Registry {
	registry := resilience.NewRegistry(sink, zap.NewNop())
	registry.SetDefaults(
		resilience.CircuitBreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Minute},
		resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
	)
	return registry
}

func newTestOrchestrator(t *testing.T, executor TaskExecutor, opts Options) *Orchestrator {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = fastRegistry(opts.Sink)
	}
	if opts.Store == nil {
		opts.Store = checkpoint.NewMemoryStore()
	}
	opts.Logger = zap.NewNop()
	return New(executor, opts)
}

func waitForState(t *testing.T, o *Orchestrator, runID string) RunState {
	t.Helper()
	state, err := o.Wait(testutil.TestContext(t), runID)
	require.NoError(t, err)
	return state
}

func TestOrchestrator_DiamondWithTransientFailures(t *testing.T) {
	// Diamond: A; B,C after A; D after both. Every step fails once with a
	// transient error before succeeding.
	exec := testutil.NewScriptedExecutor(map[string]*testutil.StepScript{
		"A": {FailuresBeforeSuccess: 1},
		"B": {FailuresBeforeSuccess: 1},
		"C": {FailuresBeforeSuccess: 1},
		"D": {FailuresBeforeSuccess: 1},
	})
	o := newTestOrchestrator(t, exec, Options{})

	def := diamondDefinition()
	for _, s := range def.Steps {
		s.MaxRetries = 2
	}

	runID, err := o.StartWorkflow(context.Background(), def, map[string]any{"seed": "x"})
	require.NoError(t, err)

	state := waitForState(t, o, runID)
	assert.Equal(t, RunCompleted, state)

	status, err := o.GetStatus(runID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, status.CompletedSteps)
	assert.Empty(t, status.FailedSteps)

	// Dependency order: A before B and C, both before D.
	order := exec.Order()
	pos := func(step string) int {
		for i := len(order) - 1; i >= 0; i-- {
			if order[i] == step {
				return i
			}
		}
		return -1
	}
	first := func(step string) int {
		for i, s := range order {
			if s == step {
				return i
			}
		}
		return -1
	}
	assert.Less(t, pos("A"), first("B"))
	assert.Less(t, pos("A"), first("C"))
	assert.Less(t, pos("B"), first("D"))
	assert.Less(t, pos("C"), first("D"))

	result, err := o.GetResult(runID)
	require.NoError(t, err)
	for _, step := range []string{"A", "B", "C", "D"} {
		assert.Contains(t, result, step, "each step's output is namespaced by its ID")
	}
}

func TestOrchestrator_CriticalFailureSkipsDependentsAndExhaustsRecovery(t *testing.T) {
	exec := testutil.NewScriptedExecutor(map[string]*testutil.StepScript{
		"A": {Err: types.NewError(types.KindValidation, "broken input")},
	})
	sink := &testutil.RecordingSink{}
	o := newTestOrchestrator(t, exec, Options{Sink: sink})

	def := &WorkflowDefinition{
		WorkflowID:          "crit",
		MaxRecoveryAttempts: 2,
		Steps: []*WorkflowStep{
			{StepID: "A", Critical: true},
			{StepID: "B", DependsOn: []string{"A"}},
		},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	state := waitForState(t, o, runID)
	assert.Equal(t, RunFailed, state)

	// First run plus two recovery passes, dependent never attempted.
	assert.Equal(t, 3, exec.Calls("A"))
	assert.Zero(t, exec.Calls("B"))
	assert.Equal(t, 2, sink.CountByType(observability.EventWorkflowRecovered))

	status, err := o.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.RecoveryAttempts)
	assert.NotEmpty(t, status.ErrorHistory)

	_, err = o.GetResult(runID)
	require.Error(t, err)
	assert.Equal(t, types.KindRecoveryExhausted, types.KindOf(err))
}

func TestOrchestrator_NonCriticalFailureStillCompletes(t *testing.T) {
	exec := testutil.NewScriptedExecutor(map[string]*testutil.StepScript{
		"B": {Err: types.NewError(types.KindValidation, "optional enrichment broken")},
	})
	o := newTestOrchestrator(t, exec, Options{})

	def := &WorkflowDefinition{
		WorkflowID: "optional",
		Steps: []*WorkflowStep{
			{StepID: "A"},
			{StepID: "B"},
			{StepID: "C", DependsOn: []string{"A"}},
		},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	state := waitForState(t, o, runID)
	assert.Equal(t, RunCompleted, state, "non-critical failures do not fail the run")

	status, err := o.GetStatus(runID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "C"}, status.CompletedSteps)
	assert.ElementsMatch(t, []string{"B"}, status.FailedSteps)

	result, err := o.GetResult(runID)
	require.NoError(t, err)
	assert.Contains(t, result, "A")
	assert.NotContains(t, result, "B")
}

func TestOrchestrator_BlockedByFailedDependencyIsFatal(t *testing.T) {
	exec := testutil.NewScriptedExecutor(map[string]*testutil.StepScript{
		"A": {Err: types.NewError(types.KindValidation, "broken")},
	})
	o := newTestOrchestrator(t, exec, Options{})

	def := &WorkflowDefinition{
		WorkflowID: "blocked",
		Steps: []*WorkflowStep{
			{StepID: "A"},
			{StepID: "B", DependsOn: []string{"A"}},
		},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	state := waitForState(t, o, runID)
	assert.Equal(t, RunFailed, state)

	// Blocked runs terminate without recovery retries.
	assert.Equal(t, 1, exec.Calls("A"))
	assert.Zero(t, exec.Calls("B"))

	_, err = o.GetResult(runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by failed dependency")
}

func TestOrchestrator_InvalidDefinitionExecutesNothing(t *testing.T) {
	exec := testutil.NewScriptedExecutor(nil)
	o := newTestOrchestrator(t, exec, Options{})

	def := &WorkflowDefinition{
		WorkflowID: "cyclic",
		Steps: []*WorkflowStep{
			{StepID: "A", DependsOn: []string{"B"}},
			{StepID: "B", DependsOn: []string{"A"}},
		},
	}

	_, err := o.StartWorkflow(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, types.KindDefinition, types.KindOf(err))
	assert.Zero(t, exec.Calls("A"))
	assert.Zero(t, exec.Calls("B"))
}

func TestOrchestrator_CheckpointCadenceBySteps(t *testing.T) {
	exec := testutil.NewScriptedExecutor(nil)
	sink := &testutil.RecordingSink{}
	store := checkpoint.NewMemoryStore()
	o := newTestOrchestrator(t, exec, Options{Sink: sink, Store: store})

	steps := make([]*WorkflowStep, 0, 6)
	var prev string
	for i := 0; i < 6; i++ {
		step := &WorkflowStep{StepID: fmt.Sprintf("s%d", i)}
		if prev != "" {
			step.DependsOn = []string{prev}
		}
		steps = append(steps, step)
		prev = step.StepID
	}
	def := &WorkflowDefinition{
		WorkflowID:           "cadence",
		Steps:                steps,
		CheckpointEverySteps: 2,
		CheckpointInterval:   time.Hour,
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, waitForState(t, o, runID))

	assert.Equal(t, 3, sink.CountByType(observability.EventCheckpointCreated),
		"six completed steps at a cadence of two give three checkpoints")

	all, err := store.List(context.Background(), "cadence")
	require.NoError(t, err)
	require.NotEmpty(t, all)
	latest, err := store.LoadLatest(context.Background(), "cadence")
	require.NoError(t, err)
	assert.Len(t, latest.CompletedSteps, 6)

	status, err := o.GetStatus(runID)
	require.NoError(t, err)
	assert.Len(t, status.CheckpointIDs, 3)
}

func TestOrchestrator_RecoveryResumesFromCheckpoint(t *testing.T) {
	// C fails its first call; the invoker gets one attempt and the step has
	// no retry budget, so the critical failure escalates to recovery. The
	// restored run must re-execute only C.
	exec := testutil.NewScriptedExecutor(map[string]*testutil.StepScript{
		"C": {FailuresBeforeSuccess: 1},
	})
	sink := &testutil.RecordingSink{}
	store := checkpoint.NewMemoryStore()
	registry := fastRegistry(sink)
	registry.RegisterRetryPolicy("C", resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond})
	o := newTestOrchestrator(t, exec, Options{Sink: sink, Store: store, Registry: registry})

	def := &WorkflowDefinition{
		WorkflowID:           "resume",
		CheckpointEverySteps: 1,
		CheckpointInterval:   time.Hour,
		Steps: []*WorkflowStep{
			{StepID: "A"},
			{StepID: "B", DependsOn: []string{"A"}},
			{StepID: "C", DependsOn: []string{"B"}, Critical: true},
		},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, waitForState(t, o, runID))

	// Checkpoint idempotence: completed steps are not re-executed after
	// recovery restores them.
	assert.Equal(t, 1, exec.Calls("A"))
	assert.Equal(t, 1, exec.Calls("B"))
	assert.Equal(t, 2, exec.Calls("C"))
	assert.Equal(t, 1, sink.CountByType(observability.EventWorkflowRecovered))

	status, err := o.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.RecoveryAttempts)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, status.CompletedSteps)
}

func TestOrchestrator_Cancel(t *testing.T) {
	started := make(chan struct{})
	exec := TaskExecutorFunc(func(ctx context.Context, stepID string, input map[string]any) (map[string]any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newTestOrchestrator(t, exec, Options{})

	def := &WorkflowDefinition{
		WorkflowID: "cancelme",
		Steps:      []*WorkflowStep{{StepID: "A", Critical: true}},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, o.Cancel(runID))

	state := waitForState(t, o, runID)
	assert.Equal(t, RunFailed, state)

	_, err = o.GetResult(runID)
	require.Error(t, err)
	assert.Equal(t, types.KindCanceled, types.KindOf(err))
}

func TestOrchestrator_RunTimeout(t *testing.T) {
	exec := TaskExecutorFunc(func(ctx context.Context, stepID string, input map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newTestOrchestrator(t, exec, Options{})

	def := &WorkflowDefinition{
		WorkflowID:       "slow",
		MaxExecutionTime: 50 * time.Millisecond,
		Steps:            []*WorkflowStep{{StepID: "A", Critical: true}},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	state := waitForState(t, o, runID)
	assert.Equal(t, RunFailed, state)

	_, err = o.GetResult(runID)
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}

func TestOrchestrator_StepTimeoutMarksTimedOut(t *testing.T) {
	exec := TaskExecutorFunc(func(ctx context.Context, stepID string, input map[string]any) (map[string]any, error) {
		if stepID == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{stepID: "done"}, nil
	})
	o := newTestOrchestrator(t, exec, Options{})

	def := &WorkflowDefinition{
		WorkflowID: "steptimeout",
		Steps: []*WorkflowStep{
			{StepID: "fast"},
			{StepID: "slow", Timeout: 30 * time.Millisecond},
		},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	// Only the slow attempt is canceled; the run itself completes.
	state := waitForState(t, o, runID)
	assert.Equal(t, RunCompleted, state)

	status, err := o.GetStatus(runID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fast"}, status.CompletedSteps)
	assert.ElementsMatch(t, []string{"slow"}, status.FailedSteps)
}

func TestOrchestrator_StepTimeoutIsRetriedWithinBudget(t *testing.T) {
	// The first attempt blocks past the step timeout; the second succeeds.
	// Only the attempt is canceled, and the step's retry budget covers it.
	var calls atomic.Int32
	exec := TaskExecutorFunc(func(ctx context.Context, stepID string, input map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{stepID: "done"}, nil
	})
	o := newTestOrchestrator(t, exec, Options{})

	def := &WorkflowDefinition{
		WorkflowID: "timeoutretry",
		Steps: []*WorkflowStep{
			{StepID: "flaky", Timeout: 40 * time.Millisecond, MaxRetries: 2},
		},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	state := waitForState(t, o, runID)
	assert.Equal(t, RunCompleted, state)
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "timed-out attempt must be retried")

	status, err := o.GetStatus(runID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"flaky"}, status.CompletedSteps)
	assert.Empty(t, status.FailedSteps)
}

func TestOrchestrator_PauseAndResume(t *testing.T) {
	release := make(chan struct{})
	exec := TaskExecutorFunc(func(ctx context.Context, stepID string, input map[string]any) (map[string]any, error) {
		if stepID == "A" {
			<-release
		}
		return map[string]any{stepID: "done"}, nil
	})
	o := newTestOrchestrator(t, exec, Options{})

	def := &WorkflowDefinition{
		WorkflowID: "pausable",
		Steps: []*WorkflowStep{
			{StepID: "A"},
			{StepID: "B", DependsOn: []string{"A"}},
		},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	// Pause takes effect at the next iteration boundary, after A finishes.
	require.NoError(t, o.Pause(runID))
	close(release)

	testutil.Eventually(t, func() bool {
		status, err := o.GetStatus(runID)
		return err == nil && status.State == RunPaused
	}, 5*time.Second, "run should park in the paused state")

	require.NoError(t, o.Resume(runID))
	state := waitForState(t, o, runID)
	assert.Equal(t, RunCompleted, state)
}

func TestOrchestrator_GetResultWhilePending(t *testing.T) {
	release := make(chan struct{})
	exec := TaskExecutorFunc(func(ctx context.Context, stepID string, input map[string]any) (map[string]any, error) {
		<-release
		return nil, nil
	})
	o := newTestOrchestrator(t, exec, Options{})

	runID, err := o.StartWorkflow(context.Background(), &WorkflowDefinition{
		WorkflowID: "pending",
		Steps:      []*WorkflowStep{{StepID: "A"}},
	}, nil)
	require.NoError(t, err)

	_, err = o.GetResult(runID)
	assert.ErrorIs(t, err, ErrRunPending)

	close(release)
	waitForState(t, o, runID)
}

func TestOrchestrator_UnknownRun(t *testing.T) {
	o := newTestOrchestrator(t, testutil.NewScriptedExecutor(nil), Options{})

	_, err := o.GetStatus("run_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = o.GetResult("run_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, o.Cancel("run_missing"), ErrRunNotFound)
}

func TestOrchestrator_AgentStepDegradesInsteadOfFailing(t *testing.T) {
	exec := testutil.NewScriptedExecutor(map[string]*testutil.StepScript{
		"summarize": {Err: types.NewError(types.KindUnavailable, "all llms down")},
	})
	sink := &testutil.RecordingSink{}
	registry := fastRegistry(sink)
	coord := coordinator.New(resilience.NewProtectedInvoker(registry, zap.NewNop()), sink, zap.NewNop())
	o := newTestOrchestrator(t, exec, Options{Sink: sink, Registry: registry, Coordinator: coord})

	def := &WorkflowDefinition{
		WorkflowID: "agents",
		Steps: []*WorkflowStep{
			{StepID: "summarize", Agent: "gpt", Critical: true},
		},
	}

	runID, err := o.StartWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	state := waitForState(t, o, runID)
	assert.Equal(t, RunCompleted, state, "an exhausted agent chain degrades, it does not fail the run")

	result, err := o.GetResult(runID)
	require.NoError(t, err)
	out, ok := result["summarize"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "degraded", out["status"])
	assert.Equal(t, "low", out["confidence"])
	assert.Equal(t, 1, sink.CountByType(observability.EventDegradedResult))
}

// Random acyclic graphs: a step never starts before every dependency has
// completed, regardless of shape or parallelism.
func TestProperty_DAGOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("steps start only after their dependencies complete", prop.ForAll(
		func(n int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))

			steps := make([]*WorkflowStep, n)
			for i := 0; i < n; i++ {
				step := &WorkflowStep{StepID: fmt.Sprintf("s%02d", i)}
				// Edges only point backwards, so the graph is acyclic.
				for j := 0; j < i; j++ {
					if rng.Intn(4) == 0 {
						step.DependsOn = append(step.DependsOn, fmt.Sprintf("s%02d", j))
					}
				}
				steps[i] = step
			}
			def := &WorkflowDefinition{
				WorkflowID:  fmt.Sprintf("prop-%d", seed),
				Steps:       steps,
				MaxParallel: 4,
			}
			if err := def.Validate(); err != nil {
				t.Logf("generated definition invalid: %v", err)
				return false
			}

			exec := testutil.NewScriptedExecutor(nil)
			o := newTestOrchestrator(t, exec, Options{})

			runID, err := o.StartWorkflow(context.Background(), def, nil)
			if err != nil {
				return false
			}
			if waitForState(t, o, runID) != RunCompleted {
				return false
			}

			order := exec.Order()
			index := make(map[string]int, len(order))
			for i, id := range order {
				index[id] = i
			}
			for _, step := range steps {
				for _, dep := range step.DependsOn {
					if index[dep] >= index[step.StepID] {
						t.Logf("%s started before dependency %s", step.StepID, dep)
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(5, 20),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
