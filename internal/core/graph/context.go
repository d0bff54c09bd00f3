package graph

import (
	"maps"
	"sort"
	"sync"
)

// RunContext is the run-scoped blackboard shared by the vertices of one
// graph. A key belongs to the vertex that writes it; readers must tolerate
// the key being absent. Safe for concurrent use.
type RunContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRunContext creates a context seeded with values.
func NewRunContext(values map[string]any) *RunContext {
	rc := &RunContext{values: make(map[string]any, len(values))}
	maps.Copy(rc.values, values)
	return rc
}

// Get returns the value stored under key.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.values[key]
	return v, ok
}

// Set stores value under key.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	rc.values[key] = value
	rc.mu.Unlock()
}

// Delete removes key.
func (rc *RunContext) Delete(key string) {
	rc.mu.Lock()
	delete(rc.values, key)
	rc.mu.Unlock()
}

// Keys returns the stored keys, sorted.
func (rc *RunContext) Keys() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	keys := make([]string, 0, len(rc.values))
	for k := range rc.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns a shallow copy of the stored values.
func (rc *RunContext) Values() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return maps.Clone(rc.values)
}
