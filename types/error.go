package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry, circuit-breaker, and fallback
// decisions. Callers branch on the kind with a switch, never on concrete
// error types.
type ErrorKind string

const (
	// KindTransient marks network/timeout-class failures that are safe to retry.
	KindTransient ErrorKind = "TRANSIENT"
	// KindUnavailable marks a collaborator that is down or overloaded. Counts
	// against its circuit breaker and triggers fallback-chain traversal.
	KindUnavailable ErrorKind = "UNAVAILABLE"
	// KindValidation marks malformed input. Never retried, never falls back.
	KindValidation ErrorKind = "VALIDATION"
	// KindCircuitOpen marks a call rejected by an open circuit breaker.
	KindCircuitOpen ErrorKind = "CIRCUIT_OPEN"
	// KindDefinition marks an invalid workflow definition (cycles, unreachable
	// steps). Detected before execution starts and always fatal.
	KindDefinition ErrorKind = "DEFINITION"
	// KindRecoveryExhausted marks a run that exceeded its recovery budget.
	KindRecoveryExhausted ErrorKind = "RECOVERY_EXHAUSTED"
	// KindStepFailed marks a step whose retries were exhausted.
	KindStepFailed ErrorKind = "STEP_FAILED"
	// KindTimeout marks a step or run that exceeded its time budget.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindCanceled marks a run canceled by the caller.
	KindCanceled ErrorKind = "CANCELED"
)

// Error is the structured error carried across the engine. The Kind field is
// the authoritative classification; everything else is context.
type Error struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	StepID       string    `json:"step_id,omitempty"`
	Collaborator string    `json:"collaborator,omitempty"`
	Retryable    bool      `json:"retryable"`
	Cause        error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given kind and message. Transient and
// unavailable errors are retryable by default.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: kind == KindTransient || kind == KindUnavailable,
	}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStep sets the step the error originated from.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCollaborator sets the collaborator the error originated from.
func (e *Error) WithCollaborator(name string) *Error {
	e.Collaborator = name
	return e
}

// WithRetryable overrides the default retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// KindTransient so that plain errors from injected executors stay retryable.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the error may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	// Unclassified errors default to retryable; injected executors are not
	// required to speak the engine's taxonomy.
	return true
}

// TriggersFallback reports whether the error should start fallback-chain
// traversal on an agent coordinator.
func TriggersFallback(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindCircuitOpen, KindTimeout:
		return true
	default:
		return false
	}
}
