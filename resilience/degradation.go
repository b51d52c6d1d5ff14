package resilience

import (
	"context"
	"sync"
)

// FallbackFunc produces a reduced-quality result when the primary path for a
// collaborator has exhausted its retry and circuit protection. It receives
// the original arguments of the failed call.
type FallbackFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// DegradationRegistry maps collaborator names to fallback functions. It is a
// read-mostly lookup table; a plain mutex-guarded map is sufficient.
type DegradationRegistry struct {
	fallbacks map[string]FallbackFunc
	mu        sync.RWMutex
}

// NewDegradationRegistry creates an empty registry.
func NewDegradationRegistry() *DegradationRegistry {
	return &DegradationRegistry{
		fallbacks: make(map[string]FallbackFunc),
	}
}

// Register installs a fallback for the named collaborator, replacing any
// previous one.
func (r *DegradationRegistry) Register(name string, fn FallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[name] = fn
}

// HasFallback reports whether a fallback is registered for the name.
func (r *DegradationRegistry) HasFallback(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.fallbacks[name]
	return ok
}

// Lookup returns the fallback for the name, if any.
func (r *DegradationRegistry) Lookup(name string) (FallbackFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fallbacks[name]
	return fn, ok
}
