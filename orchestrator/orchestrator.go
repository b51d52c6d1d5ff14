// Package orchestrator drives dependency-ordered parallel execution of
// workflow definitions under partial failure: per-step retry with backoff,
// circuit-breaker protection of collaborators, periodic checkpointing, and
// checkpoint-based recovery bounded by a recovery budget.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/flowguard/checkpoint"
	"github.com/BaSui01/flowguard/coordinator"
	"github.com/BaSui01/flowguard/observability"
	"github.com/BaSui01/flowguard/resilience"
	"github.com/BaSui01/flowguard/types"
)

// ErrRunPending is returned by GetResult while a run is still executing.
var ErrRunPending = errors.New("workflow run still pending")

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("workflow run not found")

// errBlockedByFailedDependency is fatal: steps waiting on a failed
// dependency can never run, so the run fails without entering recovery.
var errBlockedByFailedDependency = types.NewError(types.KindStepFailed,
	"workflow blocked by failed dependency")

// stepRetryDefaults is the backoff applied between attempts of one step.
// Collaborator-level retry inside the protected invoker uses its own
// registered policy; this one only paces the orchestrator's outer retries.
var stepRetryDefaults = resilience.RetryPolicy{
	MaxAttempts: 1,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Multiplier:  2.0,
	Jitter:      true,
}

// Options configures an Orchestrator.
type Options struct {
	// Registry holds per-collaborator resilience state. A fresh one is
	// created when nil.
	Registry *resilience.Registry
	// Coordinator handles agent-routed steps. Optional; agent steps fall
	// back to plain protected invocation when nil.
	Coordinator *coordinator.AgentCoordinator
	// Store persists checkpoints. Defaults to the in-memory store.
	Store checkpoint.Store
	// Sink receives engine events. Defaults to a nop sink.
	Sink observability.Sink
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Defaults fill tuning fields that definitions leave zero.
	Defaults WorkflowDefaults
	// CheckpointRetention keeps this many recent checkpoints per workflow;
	// zero disables pruning.
	CheckpointRetention int
	// FinishedRunRetention bounds how many terminal runs stay queryable.
	FinishedRunRetention int
}

// Orchestrator executes workflow definitions. All exported methods are safe
// for concurrent use; each run is driven by exactly one goroutine that owns
// the run's execution context.
type Orchestrator struct {
	executor  TaskExecutor
	registry  *resilience.Registry
	invoker   *resilience.ProtectedInvoker
	coord     *coordinator.AgentCoordinator
	store     checkpoint.Store
	sink      observability.Sink
	logger    *zap.Logger
	defaults  WorkflowDefaults
	retention int

	runs         map[string]*workflowRun
	finished     []string
	finishedKeep int
	mu           sync.RWMutex
}

// workflowRun couples a definition with its execution context and control
// signals.
type workflowRun struct {
	def     *WorkflowDefinition
	ec      *executionContext
	initial map[string]any
	cancel  context.CancelFunc
	done    chan struct{}

	canceled bool
	paused   bool
	resume   chan struct{}
	finalErr error
	mu       sync.Mutex
}

// New creates an orchestrator around the injected task executor.
func New(executor TaskExecutor, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = observability.NopSink{}
	}
	registry := opts.Registry
	if registry == nil {
		registry = resilience.NewRegistry(sink, logger)
	}
	store := opts.Store
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	keep := opts.FinishedRunRetention
	if keep <= 0 {
		keep = 128
	}
	return &Orchestrator{
		executor:     executor,
		registry:     registry,
		invoker:      resilience.NewProtectedInvoker(registry, logger),
		coord:        opts.Coordinator,
		store:        store,
		sink:         sink,
		logger:       logger.With(zap.String("component", "orchestrator")),
		defaults:     opts.Defaults,
		retention:    opts.CheckpointRetention,
		runs:         make(map[string]*workflowRun),
		finishedKeep: keep,
	}
}

// Registry exposes the resilience registry for collaborator configuration.
func (o *Orchestrator) Registry() *resilience.Registry {
	return o.registry
}

// Coordinator exposes the agent coordinator, if one was configured.
func (o *Orchestrator) Coordinator() *coordinator.AgentCoordinator {
	return o.coord
}

// StartWorkflow validates the definition and begins executing it in the
// background, returning the run ID. A definition that fails validation
// never executes any step.
func (o *Orchestrator) StartWorkflow(ctx context.Context, def *WorkflowDefinition, initialData map[string]any) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	def = def.withDefaults(o.defaults)

	runID := "run_" + uuid.NewString()
	ec := newExecutionContext(runID, def, initialData)

	runCtx := context.Background()
	var cancel context.CancelFunc
	if def.MaxExecutionTime > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, def.MaxExecutionTime)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	run := &workflowRun{
		def:     def,
		ec:      ec,
		initial: copyMap(initialData),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	o.mu.Lock()
	o.runs[runID] = run
	o.mu.Unlock()

	o.logger.Info("workflow started",
		zap.String("workflow_id", def.WorkflowID),
		zap.String("run_id", runID),
		zap.Int("steps", len(def.Steps)))
	o.sink.Emit(observability.Event{
		Type:       observability.EventWorkflowStarted,
		WorkflowID: def.WorkflowID,
		RunID:      runID,
		Timestamp:  time.Now(),
	})

	go o.runWorkflow(runCtx, run)
	return runID, nil
}

// runWorkflow drives the DAG loop, entering recovery when an iteration
// fails for a non-fatal reason.
func (o *Orchestrator) runWorkflow(ctx context.Context, run *workflowRun) {
	defer close(run.done)
	defer run.cancel()

	ec := run.ec
	ec.setState(RunRunning)

	for {
		err := o.driveRun(ctx, run)
		if err == nil {
			o.finishRun(run, RunCompleted, nil)
			return
		}

		if run.wasCanceled() {
			o.finishRun(run, RunFailed, types.NewError(types.KindCanceled, "workflow canceled").WithCause(err))
			return
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			o.finishRun(run, RunFailed, types.NewError(types.KindTimeout,
				fmt.Sprintf("workflow exceeded max execution time %v", run.def.MaxExecutionTime)))
			return
		}
		if types.KindOf(err) == types.KindDefinition || errors.Is(err, errBlockedByFailedDependency) {
			o.finishRun(run, RunFailed, err)
			return
		}

		if ec.recoveryAttempts >= run.def.MaxRecoveryAttempts {
			o.finishRun(run, RunFailed, types.NewError(types.KindRecoveryExhausted,
				fmt.Sprintf("recovery budget of %d exhausted", run.def.MaxRecoveryAttempts)).WithCause(err))
			return
		}
		o.recoverRun(ctx, run, err)
	}
}

// recoverRun restores progress from the latest checkpoint, or restarts the
// workflow from scratch when none exists. Steps not covered by the
// checkpoint return to pending with a fresh retry budget.
func (o *Orchestrator) recoverRun(ctx context.Context, run *workflowRun, cause error) {
	ec := run.ec
	ec.mu.Lock()
	ec.recoveryAttempts++
	attempt := ec.recoveryAttempts
	ec.mu.Unlock()
	ec.setState(RunRecovering)

	o.logger.Warn("recovering workflow",
		zap.String("run_id", ec.runID),
		zap.Int("attempt", attempt),
		zap.Error(cause))

	cp, err := o.store.LoadLatest(ctx, run.def.WorkflowID)
	if err == nil {
		ec.restore(cp.CompletedSteps, cp.State)
		o.logger.Info("restored from checkpoint",
			zap.String("checkpoint_id", cp.ID),
			zap.Int("completed_steps", len(cp.CompletedSteps)))
	} else {
		// No checkpoint: restart from scratch with only the initial data.
		ec.restore(nil, run.initial)
		o.logger.Info("no checkpoint found, restarting workflow from scratch",
			zap.String("run_id", ec.runID))
	}

	o.sink.Emit(observability.Event{
		Type:       observability.EventWorkflowRecovered,
		WorkflowID: run.def.WorkflowID,
		RunID:      ec.runID,
		Timestamp:  time.Now(),
		Fields:     map[string]any{"attempt": attempt, "cause": cause.Error()},
	})
	ec.setState(RunRunning)
}

// driveRun runs DAG iterations until all steps are terminal or the run can
// no longer make progress.
func (o *Orchestrator) driveRun(ctx context.Context, run *workflowRun) error {
	def := run.def
	ec := run.ec

	sem := semaphore.NewWeighted(int64(def.MaxParallel))
	completedSinceCheckpoint := 0
	lastCheckpoint := time.Now()

	for {
		if err := run.waitIfPaused(ctx, ec); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return types.NewError(types.KindCanceled, "run context done").WithCause(ctx.Err())
		default:
		}

		ready := ec.readySet(def)
		if len(ready) == 0 {
			completed, failed := ec.counts()
			if completed+failed == len(def.Steps) {
				// Critical failures abort mid-loop, so every recorded failure
				// here is non-critical and the run still counts as completed.
				return nil
			}
			if failed > 0 {
				return errBlockedByFailedDependency
			}
			// Validation rejects cycles up front, so an empty ready set with
			// pending steps means the definition was mutated after start.
			return types.NewError(types.KindDefinition, "no runnable steps remain")
		}

		outcomes := o.fanOut(ctx, run, sem, ready)

		var criticalErr error
		for i, out := range outcomes {
			step := ready[i]
			if out.err == nil {
				ec.markCompleted(step.StepID, out.output)
				completedSinceCheckpoint++
				o.sink.Emit(observability.Event{
					Type:       observability.EventStepCompleted,
					WorkflowID: def.WorkflowID,
					RunID:      ec.runID,
					StepID:     step.StepID,
					Duration:   out.duration,
					Timestamp:  time.Now(),
				})
				continue
			}

			ec.markFailed(step.StepID, out.status, out.err.Error())
			o.sink.Emit(observability.Event{
				Type:       observability.EventStepFailed,
				WorkflowID: def.WorkflowID,
				RunID:      ec.runID,
				StepID:     step.StepID,
				Duration:   out.duration,
				Timestamp:  time.Now(),
				Fields:     map[string]any{"error": out.err.Error()},
			})
			o.logger.Warn("step failed",
				zap.String("run_id", ec.runID),
				zap.String("step_id", step.StepID),
				zap.Bool("critical", step.Critical),
				zap.Error(out.err))

			if step.Critical && criticalErr == nil {
				criticalErr = types.NewError(types.KindStepFailed,
					fmt.Sprintf("critical step %s failed", step.StepID)).
					WithStep(step.StepID).WithCause(out.err)
			}
		}

		if criticalErr != nil {
			return criticalErr
		}

		if completedSinceCheckpoint >= def.CheckpointEverySteps ||
			time.Since(lastCheckpoint) >= def.CheckpointInterval {
			o.saveCheckpoint(ctx, run)
			completedSinceCheckpoint = 0
			lastCheckpoint = time.Now()
		}
	}
}

// stepOutcome is one step's terminal result for a DAG iteration.
type stepOutcome struct {
	output   map[string]any
	err      error
	status   StepStatus
	duration time.Duration
}

// fanOut dispatches every ready step concurrently, bounded by the run's
// worker pool, and waits for the whole set before returning. Steps with no
// dependency relationship complete in any order; the fan-in barrier is what
// keeps dependents from starting early.
func (o *Orchestrator) fanOut(ctx context.Context, run *workflowRun, sem *semaphore.Weighted, ready []*WorkflowStep) []stepOutcome {
	outcomes := make([]stepOutcome, len(ready))
	var wg sync.WaitGroup

	for i, step := range ready {
		wg.Add(1)
		go func(i int, step *WorkflowStep) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = stepOutcome{
					err:    types.NewError(types.KindCanceled, "worker pool wait canceled").WithCause(err),
					status: StepFailed,
				}
				return
			}
			defer sem.Release(1)
			outcomes[i] = o.executeStepWithRetry(ctx, run, step)
		}(i, step)
	}

	wg.Wait()
	return outcomes
}

// executeStepWithRetry runs one step with its own retry budget and backoff.
// An attempt exceeding the step's timeout counts as a failure for retry
// purposes. Panics from the injected executor are contained here and
// surface as step failures.
func (o *Orchestrator) executeStepWithRetry(ctx context.Context, run *workflowRun, step *WorkflowStep) (out stepOutcome) {
	started := time.Now()
	defer func() {
		out.duration = time.Since(started)
		if r := recover(); r != nil {
			o.logger.Error("step panicked",
				zap.String("step_id", step.StepID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			out = stepOutcome{
				err: types.NewError(types.KindStepFailed,
					fmt.Sprintf("step %s panicked: %v", step.StepID, r)).WithStep(step.StepID),
				status:   StepFailed,
				duration: time.Since(started),
			}
		}
	}()

	run.ec.markRunning(step.StepID)

	policy := stepRetryDefaults
	policy.MaxAttempts = step.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return stepOutcome{
					err:    types.NewError(types.KindCanceled, "step retry canceled").WithCause(ctx.Err()),
					status: StepFailed,
				}
			case <-time.After(policy.DelayFor(attempt - 1)):
			}
		}

		output, err := o.dispatchStep(ctx, run, step)
		if err == nil {
			return stepOutcome{output: output, status: StepCompleted}
		}
		lastErr = err
		run.ec.recordError(step.StepID, err.Error())

		if !types.IsRetryable(err) {
			break
		}
	}

	status := StepFailed
	if types.KindOf(lastErr) == types.KindTimeout {
		status = StepTimedOut
	}
	return stepOutcome{err: lastErr, status: status}
}

// dispatchStep performs a single attempt: agent steps go through the
// coordinator's fallback chain, everything else through the protected
// invoker. The attempt is bounded by the step's own timeout; only this
// attempt is canceled when it trips, and the run-wide context stays intact.
func (o *Orchestrator) dispatchStep(ctx context.Context, run *workflowRun, step *WorkflowStep) (map[string]any, error) {
	input := run.ec.snapshotMerged()
	for k, v := range step.Params {
		input[k] = v
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	var output map[string]any
	var err error
	if step.Agent != "" && o.coord != nil {
		var res *types.AgentResult
		res, err = o.coord.Invoke(attemptCtx, step.Agent, func(ctx context.Context, backend string, args map[string]any) (map[string]any, error) {
			return o.executor.ExecuteStep(ctx, step.StepID, args)
		}, input)
		if err == nil {
			if res.IsDegraded() {
				output = map[string]any{
					"status":     string(res.Status),
					"confidence": string(res.Confidence),
					"reason":     res.Reason,
				}
			} else {
				output = res.Output
			}
		}
	} else {
		output, err = o.invoker.Execute(attemptCtx, step.collaboratorName(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return o.executor.ExecuteStep(ctx, step.StepID, args)
		}, input)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Only this attempt timed out; the step's own retry budget still
			// applies.
			return nil, types.NewError(types.KindTimeout,
				fmt.Sprintf("step %s exceeded timeout %v", step.StepID, step.Timeout)).
				WithStep(step.StepID).WithCause(err).WithRetryable(true)
		}
		return nil, err
	}
	return output, nil
}

// saveCheckpoint persists current progress. Checkpoint failures are logged
// and never fail the run; the next cadence trigger simply tries again.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, run *workflowRun) {
	ec := run.ec

	ec.mu.Lock()
	current := ec.currentStep
	ec.mu.Unlock()

	cp := checkpoint.NewCheckpoint(run.def.WorkflowID, ec.runID, current,
		ec.snapshotCompleted(), ec.snapshotMerged())

	id, err := o.store.Save(ctx, cp)
	if err != nil {
		o.logger.Error("checkpoint save failed",
			zap.String("run_id", ec.runID),
			zap.Error(err))
		return
	}

	ec.mu.Lock()
	ec.checkpointIDs = append(ec.checkpointIDs, id)
	ec.mu.Unlock()

	o.sink.Emit(observability.Event{
		Type:       observability.EventCheckpointCreated,
		WorkflowID: run.def.WorkflowID,
		RunID:      ec.runID,
		Timestamp:  time.Now(),
		Fields:     map[string]any{"checkpoint_id": id},
	})
	o.logger.Debug("checkpoint created",
		zap.String("run_id", ec.runID),
		zap.String("checkpoint_id", id))

	o.pruneCheckpoints(ctx, run.def.WorkflowID)
}

// pruneCheckpoints drops all but the most recent retention checkpoints for
// the workflow. Records are deleted whole, never rewritten.
func (o *Orchestrator) pruneCheckpoints(ctx context.Context, workflowID string) {
	if o.retention <= 0 {
		return
	}
	all, err := o.store.List(ctx, workflowID)
	if err != nil || len(all) <= o.retention {
		return
	}
	for _, cp := range all[:len(all)-o.retention] {
		if err := o.store.Delete(ctx, cp.ID); err != nil {
			o.logger.Warn("checkpoint prune failed",
				zap.String("checkpoint_id", cp.ID),
				zap.Error(err))
		}
	}
}

// finishRun records the terminal state and moves the run off the active
// table.
func (o *Orchestrator) finishRun(run *workflowRun, state RunState, finalErr error) {
	run.mu.Lock()
	run.finalErr = finalErr
	run.mu.Unlock()
	run.ec.setState(state)

	eventType := observability.EventWorkflowCompleted
	if state == RunFailed {
		eventType = observability.EventWorkflowFailed
	}
	o.sink.Emit(observability.Event{
		Type:       eventType,
		WorkflowID: run.def.WorkflowID,
		RunID:      run.ec.runID,
		Timestamp:  time.Now(),
	})

	if finalErr != nil {
		o.logger.Warn("workflow finished",
			zap.String("run_id", run.ec.runID),
			zap.String("state", string(state)),
			zap.Error(finalErr))
	} else {
		o.logger.Info("workflow finished",
			zap.String("run_id", run.ec.runID),
			zap.String("state", string(state)))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, run.ec.runID)
	if len(o.finished) > o.finishedKeep {
		evict := o.finished[0]
		o.finished = o.finished[1:]
		delete(o.runs, evict)
	}
}

// RunStatus is the externally visible snapshot of a run.
type RunStatus struct {
	RunID            string        `json:"run_id"`
	WorkflowID       string        `json:"workflow_id"`
	State            RunState      `json:"state"`
	CompletedSteps   []string      `json:"completed_steps"`
	FailedSteps      []string      `json:"failed_steps"`
	CurrentStep      string        `json:"current_step,omitempty"`
	RecoveryAttempts int           `json:"recovery_attempts"`
	ErrorHistory     []ErrorRecord `json:"error_history,omitempty"`
	CheckpointIDs    []string      `json:"checkpoint_ids,omitempty"`
}

// GetStatus reports a run's progress. Failed runs keep their last known
// completed/failed step sets so callers can tell "fully failed" from
// "partially completed".
func (o *Orchestrator) GetStatus(runID string) (*RunStatus, error) {
	run, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	ec := run.ec

	ec.mu.Lock()
	defer ec.mu.Unlock()

	status := &RunStatus{
		RunID:            ec.runID,
		WorkflowID:       ec.workflowID,
		State:            ec.state,
		CurrentStep:      ec.currentStep,
		RecoveryAttempts: ec.recoveryAttempts,
		ErrorHistory:     append([]ErrorRecord(nil), ec.errorHistory...),
		CheckpointIDs:    append([]string(nil), ec.checkpointIDs...),
	}
	for id := range ec.completedSteps {
		status.CompletedSteps = append(status.CompletedSteps, id)
	}
	for id := range ec.failedSteps {
		status.FailedSteps = append(status.FailedSteps, id)
	}
	return status, nil
}

// GetResult returns the merged workflow data for a terminal run, or
// ErrRunPending while it is still executing. A failed run returns its
// terminal error alongside the partial data accumulated before failure.
func (o *Orchestrator) GetResult(runID string) (map[string]any, error) {
	run, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	state := run.ec.currentState()
	if !state.Terminal() {
		return nil, ErrRunPending
	}
	data := run.ec.snapshotMerged()
	if state == RunFailed {
		run.mu.Lock()
		finalErr := run.finalErr
		run.mu.Unlock()
		return data, finalErr
	}
	return data, nil
}

// Cancel stops a run, canceling all in-flight step attempts.
func (o *Orchestrator) Cancel(runID string) error {
	run, err := o.lookup(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.canceled = true
	if run.paused {
		// Unblock a paused run so it can observe cancellation.
		close(run.resume)
		run.paused = false
	}
	run.mu.Unlock()
	run.cancel()
	o.logger.Info("workflow canceled", zap.String("run_id", runID))
	return nil
}

// Pause suspends a run between DAG iterations. Steps already in flight
// finish their current attempt.
func (o *Orchestrator) Pause(runID string) error {
	run, err := o.lookup(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if !run.paused {
		run.paused = true
		run.resume = make(chan struct{})
	}
	return nil
}

// Resume releases a paused run.
func (o *Orchestrator) Resume(runID string) error {
	run, err := o.lookup(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.paused {
		run.paused = false
		close(run.resume)
	}
	return nil
}

// Wait blocks until the run reaches a terminal state or ctx expires.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (RunState, error) {
	run, err := o.lookup(runID)
	if err != nil {
		return "", err
	}
	select {
	case <-run.done:
		return run.ec.currentState(), nil
	case <-ctx.Done():
		return run.ec.currentState(), ctx.Err()
	}
}

func (o *Orchestrator) lookup(runID string) (*workflowRun, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (run *workflowRun) wasCanceled() bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.canceled
}

// waitIfPaused blocks while the run is paused, reporting Paused through the
// run state so status callers see it.
func (run *workflowRun) waitIfPaused(ctx context.Context, ec *executionContext) error {
	run.mu.Lock()
	paused := run.paused
	resume := run.resume
	run.mu.Unlock()
	if !paused {
		return nil
	}

	ec.setState(RunPaused)
	select {
	case <-resume:
		ec.setState(RunRunning)
		return nil
	case <-ctx.Done():
		return types.NewError(types.KindCanceled, "run canceled while paused").WithCause(ctx.Err())
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
