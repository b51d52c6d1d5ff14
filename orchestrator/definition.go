package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/flowguard/types"
)

// StepStatus is the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepTimedOut  StepStatus = "timed_out"
)

// RunState is the lifecycle state of a workflow run.
type RunState string

const (
	RunPending    RunState = "pending"
	RunRunning    RunState = "running"
	RunPaused     RunState = "paused"
	RunCompleted  RunState = "completed"
	RunFailed     RunState = "failed"
	RunRecovering RunState = "recovering"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// TaskExecutor is the injected capability that computes step results. It
// must be safely callable concurrently for different step IDs and must be
// idempotent under retry.
type TaskExecutor interface {
	ExecuteStep(ctx context.Context, stepID string, input map[string]any) (map[string]any, error)
}

// TaskExecutorFunc adapts a function to TaskExecutor.
type TaskExecutorFunc func(ctx context.Context, stepID string, input map[string]any) (map[string]any, error)

func (f TaskExecutorFunc) ExecuteStep(ctx context.Context, stepID string, input map[string]any) (map[string]any, error) {
	return f(ctx, stepID, input)
}

// WorkflowStep declares one unit of work in a workflow definition.
type WorkflowStep struct {
	// StepID is unique within the workflow.
	StepID string `json:"step_id" yaml:"step_id"`
	// DependsOn lists step IDs that must complete before this step starts.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Timeout bounds a single attempt. Zero means no per-step timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// Critical aborts the whole run when this step terminally fails.
	// Non-critical failures are recorded and execution continues.
	Critical bool `json:"critical" yaml:"critical"`
	// Agent routes the step through the agent coordinator's fallback chain
	// for the named backend. Empty means a plain protected invocation.
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
	// Collaborator names the circuit breaker guarding the step. Defaults to
	// the step ID.
	Collaborator string `json:"collaborator,omitempty" yaml:"collaborator,omitempty"`
	// Params is merged into the step's input payload.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// collaboratorName resolves the breaker key for the step.
func (s *WorkflowStep) collaboratorName() string {
	if s.Collaborator != "" {
		return s.Collaborator
	}
	return s.StepID
}

// WorkflowDefinition is the immutable description of a workflow. Execution
// state lives on the run, never on the definition, so one definition can
// drive many concurrent runs.
type WorkflowDefinition struct {
	WorkflowID string          `json:"workflow_id" yaml:"workflow_id"`
	Steps      []*WorkflowStep `json:"steps" yaml:"steps"`
	// MaxExecutionTime bounds the whole run; exceeding it cancels all
	// in-flight steps and fails the run.
	MaxExecutionTime time.Duration `json:"max_execution_time,omitempty" yaml:"max_execution_time,omitempty"`
	// CheckpointInterval is the wall-clock checkpoint cadence.
	CheckpointInterval time.Duration `json:"checkpoint_interval,omitempty" yaml:"checkpoint_interval,omitempty"`
	// CheckpointEverySteps checkpoints after this many completed steps.
	// Whichever of the two cadences triggers first wins.
	CheckpointEverySteps int `json:"checkpoint_every_steps,omitempty" yaml:"checkpoint_every_steps,omitempty"`
	// MaxRecoveryAttempts caps checkpoint-based recovery. Defaults to 3.
	MaxRecoveryAttempts int `json:"max_recovery_attempts,omitempty" yaml:"max_recovery_attempts,omitempty"`
	// MaxParallel bounds the per-run worker pool. Defaults to 8.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

const (
	defaultCheckpointEverySteps = 5
	defaultCheckpointInterval   = 30 * time.Second
	defaultMaxRecoveryAttempts  = 3
	defaultMaxParallel          = 8
)

// step returns the step with the given ID, or nil.
func (d *WorkflowDefinition) step(id string) *WorkflowStep {
	for _, s := range d.Steps {
		if s.StepID == id {
			return s
		}
	}
	return nil
}

// Validate rejects definitions that could deadlock at runtime: duplicate or
// empty step IDs, dependencies on unknown steps, and dependency cycles. It
// runs before anything executes, so a bad definition never starts.
func (d *WorkflowDefinition) Validate() error {
	if d.WorkflowID == "" {
		return types.NewError(types.KindDefinition, "workflow id must not be empty")
	}
	if len(d.Steps) == 0 {
		return types.NewError(types.KindDefinition, "workflow has no steps")
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.StepID == "" {
			return types.NewError(types.KindDefinition, "step id must not be empty")
		}
		if seen[s.StepID] {
			return types.NewError(types.KindDefinition, fmt.Sprintf("duplicate step id: %s", s.StepID)).WithStep(s.StepID)
		}
		seen[s.StepID] = true
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return types.NewError(types.KindDefinition,
					fmt.Sprintf("step %s depends on unknown step %s", s.StepID, dep)).WithStep(s.StepID)
			}
			if dep == s.StepID {
				return types.NewError(types.KindDefinition,
					fmt.Sprintf("step %s depends on itself", s.StepID)).WithStep(s.StepID)
			}
		}
	}

	if cycleStep := d.findCycle(); cycleStep != "" {
		return types.NewError(types.KindDefinition,
			fmt.Sprintf("dependency cycle involving step %s", cycleStep)).WithStep(cycleStep)
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency edges and returns a
// step on a cycle, or "".
func (d *WorkflowDefinition) findCycle() string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	colors := make(map[string]int, len(d.Steps))

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = gray
		for _, dep := range d.step(id).DependsOn {
			switch colors[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		colors[id] = black
		return ""
	}

	for _, s := range d.Steps {
		if colors[s.StepID] == white {
			if hit := visit(s.StepID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// WorkflowDefaults supplies tuning values for definitions that leave the
// corresponding fields zero. Zero fields here fall back to the package
// defaults.
type WorkflowDefaults struct {
	MaxParallel          int
	CheckpointInterval   time.Duration
	CheckpointEverySteps int
	MaxRecoveryAttempts  int
	MaxExecutionTime     time.Duration
}

// withDefaults returns a copy with zero-valued tuning fields filled in,
// preferring the orchestrator-level defaults over the package ones.
func (d *WorkflowDefinition) withDefaults(defaults WorkflowDefaults) *WorkflowDefinition {
	out := *d
	if out.CheckpointEverySteps <= 0 {
		out.CheckpointEverySteps = defaults.CheckpointEverySteps
	}
	if out.CheckpointEverySteps <= 0 {
		out.CheckpointEverySteps = defaultCheckpointEverySteps
	}
	if out.CheckpointInterval <= 0 {
		out.CheckpointInterval = defaults.CheckpointInterval
	}
	if out.CheckpointInterval <= 0 {
		out.CheckpointInterval = defaultCheckpointInterval
	}
	if out.MaxRecoveryAttempts <= 0 {
		out.MaxRecoveryAttempts = defaults.MaxRecoveryAttempts
	}
	if out.MaxRecoveryAttempts <= 0 {
		out.MaxRecoveryAttempts = defaultMaxRecoveryAttempts
	}
	if out.MaxParallel <= 0 {
		out.MaxParallel = defaults.MaxParallel
	}
	if out.MaxParallel <= 0 {
		out.MaxParallel = defaultMaxParallel
	}
	if out.MaxExecutionTime <= 0 {
		out.MaxExecutionTime = defaults.MaxExecutionTime
	}
	return &out
}
