package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/flowguard/observability"
	"github.com/BaSui01/flowguard/types"
)

// StepScript describes one step's behavior in a ScriptedExecutor.
type StepScript struct {
	// FailuresBeforeSuccess makes the first N calls fail with a transient
	// error before the step starts succeeding.
	FailuresBeforeSuccess int
	// Err, when set, fails every call with this error instead.
	Err error
	// Output is returned on success. Defaults to {"<stepID>": "done"}.
	Output map[string]any
}

// ScriptedExecutor runs steps according to per-step scripts and records
// every invocation. Unscripted steps succeed immediately.
type ScriptedExecutor struct {
	scripts map[string]*StepScript
	calls   map[string]int
	order   []string
	mu      sync.Mutex
}

// NewScriptedExecutor creates an executor with the given step scripts.
func NewScriptedExecutor(scripts map[string]*StepScript) *ScriptedExecutor {
	if scripts == nil {
		scripts = make(map[string]*StepScript)
	}
	return &ScriptedExecutor{
		scripts: scripts,
		calls:   make(map[string]int),
	}
}

// ExecuteStep implements the orchestrator's task executor contract.
func (e *ScriptedExecutor) ExecuteStep(ctx context.Context, stepID string, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.calls[stepID]++
	call := e.calls[stepID]
	e.order = append(e.order, stepID)
	script := e.scripts[stepID]
	e.mu.Unlock()

	if script != nil {
		if script.Err != nil {
			return nil, script.Err
		}
		if call <= script.FailuresBeforeSuccess {
			return nil, types.NewError(types.KindTransient,
				fmt.Sprintf("scripted failure %d for %s", call, stepID))
		}
		if script.Output != nil {
			return script.Output, nil
		}
	}
	return map[string]any{stepID: "done"}, nil
}

// Calls reports how many times a step executed.
func (e *ScriptedExecutor) Calls(stepID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[stepID]
}

// Order returns every step invocation in execution order, including
// retries.
func (e *ScriptedExecutor) Order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// RecordingSink captures emitted events for assertions.
type RecordingSink struct {
	events []observability.Event
	mu     sync.Mutex
}

// Emit implements observability.Sink.
func (s *RecordingSink) Emit(event observability.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of everything recorded so far.
func (s *RecordingSink) Events() []observability.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]observability.Event(nil), s.events...)
}

// CountByType tallies recorded events of one type.
func (s *RecordingSink) CountByType(t observability.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
