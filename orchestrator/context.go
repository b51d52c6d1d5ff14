package orchestrator

import (
	"sync"
	"time"
)

// ErrorRecord is one entry in a run's error history.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	StepID    string    `json:"step_id,omitempty"`
	Error     string    `json:"error"`
}

// stepState is the per-run mutable state of one step. The definition itself
// stays immutable; each run owns a private state record per step.
type stepState struct {
	status    StepStatus
	result    map[string]any
	errMsg    string
	startTime time.Time
	endTime   time.Time
}

// executionContext is the authoritative in-memory state of one run. It is
// owned by the single goroutine driving the run; concurrent readers
// (GetStatus, GetResult) go through the mutex, and step workers hand their
// results back by return value rather than writing here directly.
type executionContext struct {
	runID      string
	workflowID string

	state          RunState
	steps          map[string]*stepState
	completedSteps map[string]struct{}
	failedSteps    map[string]struct{}
	stepResults    map[string]map[string]any
	merged         map[string]any
	currentStep    string

	errorHistory     []ErrorRecord
	recoveryAttempts int
	checkpointIDs    []string

	startedAt  time.Time
	finishedAt time.Time

	mu sync.Mutex
}

const errorHistoryLimit = 64

func newExecutionContext(runID string, def *WorkflowDefinition, initial map[string]any) *executionContext {
	ec := &executionContext{
		runID:          runID,
		workflowID:     def.WorkflowID,
		state:          RunPending,
		steps:          make(map[string]*stepState, len(def.Steps)),
		completedSteps: make(map[string]struct{}),
		failedSteps:    make(map[string]struct{}),
		stepResults:    make(map[string]map[string]any),
		merged:         make(map[string]any),
		startedAt:      time.Now(),
	}
	for _, s := range def.Steps {
		ec.steps[s.StepID] = &stepState{status: StepPending}
	}
	for k, v := range initial {
		ec.merged[k] = v
	}
	return ec
}

func (ec *executionContext) setState(state RunState) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.state = state
	if state.Terminal() {
		ec.finishedAt = time.Now()
	}
}

func (ec *executionContext) currentState() RunState {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.state
}

func (ec *executionContext) markRunning(stepID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	st := ec.steps[stepID]
	st.status = StepRunning
	st.startTime = time.Now()
	ec.currentStep = stepID
}

// markCompleted records a step's success and merges its output under the
// step's namespace. Outputs are namespaced by step ID, so last-writer-wins
// merging cannot clobber another step's data.
func (ec *executionContext) markCompleted(stepID string, result map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	st := ec.steps[stepID]
	st.status = StepCompleted
	st.result = result
	st.endTime = time.Now()
	ec.completedSteps[stepID] = struct{}{}
	delete(ec.failedSteps, stepID)
	ec.stepResults[stepID] = result
	if result != nil {
		ec.merged[stepID] = result
	}
}

func (ec *executionContext) markFailed(stepID string, status StepStatus, errMsg string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	st := ec.steps[stepID]
	st.status = status
	st.errMsg = errMsg
	st.endTime = time.Now()
	ec.failedSteps[stepID] = struct{}{}
	ec.recordErrorLocked(stepID, errMsg)
}

func (ec *executionContext) recordError(stepID, errMsg string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.recordErrorLocked(stepID, errMsg)
}

func (ec *executionContext) recordErrorLocked(stepID, errMsg string) {
	ec.errorHistory = append(ec.errorHistory, ErrorRecord{
		Timestamp: time.Now(),
		StepID:    stepID,
		Error:     errMsg,
	})
	if len(ec.errorHistory) > errorHistoryLimit {
		ec.errorHistory = ec.errorHistory[len(ec.errorHistory)-errorHistoryLimit:]
	}
}

// readySet returns steps whose dependencies are all completed and which are
// neither completed, failed, nor running.
func (ec *executionContext) readySet(def *WorkflowDefinition) []*WorkflowStep {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	var ready []*WorkflowStep
	for _, s := range def.Steps {
		st := ec.steps[s.StepID]
		if st.status != StepPending {
			continue
		}
		eligible := true
		for _, dep := range s.DependsOn {
			if _, ok := ec.completedSteps[dep]; !ok {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, s)
		}
	}
	return ready
}

// counts returns (completed, failed) sizes.
func (ec *executionContext) counts() (int, int) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.completedSteps), len(ec.failedSteps)
}

// snapshotMerged copies the merged workflow data for handing to a step or a
// checkpoint without exposing the live map.
func (ec *executionContext) snapshotMerged() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]any, len(ec.merged))
	for k, v := range ec.merged {
		out[k] = v
	}
	return out
}

// snapshotCompleted copies the completed-step set.
func (ec *executionContext) snapshotCompleted() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]string, 0, len(ec.completedSteps))
	for id := range ec.completedSteps {
		out = append(out, id)
	}
	return out
}

// restore overwrites progress from a checkpoint: completed steps get their
// recorded results back, every other step returns to pending with a fresh
// retry budget, and failure marks are cleared.
func (ec *executionContext) restore(completed []string, merged map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.completedSteps = make(map[string]struct{}, len(completed))
	ec.failedSteps = make(map[string]struct{})
	ec.merged = make(map[string]any, len(merged))
	for k, v := range merged {
		ec.merged[k] = v
	}
	restored := make(map[string]bool, len(completed))
	for _, id := range completed {
		ec.completedSteps[id] = struct{}{}
		restored[id] = true
	}
	for id, st := range ec.steps {
		if restored[id] {
			st.status = StepCompleted
			if result, ok := ec.merged[id].(map[string]any); ok {
				st.result = result
				ec.stepResults[id] = result
			}
		} else {
			st.status = StepPending
			st.errMsg = ""
		}
	}
}
