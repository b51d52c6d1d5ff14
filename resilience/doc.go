// Package resilience implements the per-collaborator failure machinery:
// three-state circuit breakers, exponential backoff with jitter, rate
// limits, graceful-degradation fallbacks, and the ProtectedInvoker that
// composes them around a single named operation.
//
// Breaker state is process-wide per collaborator name, not per workflow
// run; its purpose is to shield the collaborator from aggregate load
// across all callers.
package resilience
