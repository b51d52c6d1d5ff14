// Package testutil provides shared helpers for engine tests: bounded test
// contexts, scripted step executors, and an event sink that records what
// the engine emitted.
package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context canceled when the test ends, bounded at 30
// seconds so a wedged run fails instead of hanging the suite.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// CanceledContext returns an already-canceled context.
func CanceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
