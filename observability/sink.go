// Package observability carries structured engine events to a metrics sink.
// Event delivery is fire-and-forget: a lost event never affects
// orchestration correctness, and a slow sink never blocks the engine.
package observability

import "time"

// EventType enumerates the engine events worth counting.
type EventType string

const (
	EventBreakerOpened     EventType = "breaker_opened"
	EventBreakerClosed     EventType = "breaker_closed"
	EventBreakerHalfOpen   EventType = "breaker_half_open"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventCheckpointCreated EventType = "checkpoint_created"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowRecovered EventType = "workflow_recovered"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventFallbackTriggered EventType = "fallback_triggered"
	EventDegradedResult    EventType = "degraded_result"
)

// Event is a single structured telemetry record.
type Event struct {
	Type         EventType      `json:"type"`
	WorkflowID   string         `json:"workflow_id,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	Collaborator string         `json:"collaborator,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Sink receives engine events. Implementations must be safe for concurrent
// use and must not block; the engine calls Emit inline on hot paths.
type Sink interface {
	Emit(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(event Event) {
	for _, s := range m {
		s.Emit(event)
	}
}
