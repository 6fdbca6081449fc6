package pipeline

import (
	"maps"
	"sync"

	"github.com/google/uuid"
)

// PipelineContext is the shared property bag of one pipeline run. It is
// created at run start, passed explicitly through the whole call chain, and
// discarded at run end.
//
// PipelineContext is not internally synchronized: commands running in
// parallel must not write to it directly. Parallel writers route their
// writes through an explicitly concurrency-safe container such as SafeStore.
// nolint:revive // PipelineContext is the established name of the run-scoped bag
type PipelineContext struct {
	runID  string
	values map[string]any
}

// NewPipelineContext creates a fresh context for one run.
func NewPipelineContext() *PipelineContext {
	return &PipelineContext{
		runID:  uuid.New().String(),
		values: make(map[string]any),
	}
}

// RunID returns the unique identifier of this run.
func (c *PipelineContext) RunID() string { return c.runID }

// Set stores a value under a key.
func (c *PipelineContext) Set(key string, value any) {
	c.values[key] = value
}

// Get returns the value stored under a key.
func (c *PipelineContext) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the string stored under a key, or "".
func (c *PipelineContext) GetString(key string) string {
	if v, ok := c.values[key].(string); ok {
		return v
	}
	return ""
}

// GetBool returns the bool stored under a key, or false.
func (c *PipelineContext) GetBool(key string) bool {
	if v, ok := c.values[key].(bool); ok {
		return v
	}
	return false
}

// GetInt returns the int stored under a key, or 0.
func (c *PipelineContext) GetInt(key string) int {
	if v, ok := c.values[key].(int); ok {
		return v
	}
	return 0
}

// Delete removes a key.
func (c *PipelineContext) Delete(key string) {
	delete(c.values, key)
}

// Snapshot returns a shallow copy of the property map, used for plan-time
// condition evaluation.
func (c *PipelineContext) Snapshot() map[string]any {
	return maps.Clone(c.values)
}

// SafeStore is a concurrency-safe key/value container for commands that run
// in parallel and need shared mutable state. Callers place one in the
// pipeline context before the run and route parallel writes through it.
type SafeStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewSafeStore creates an empty SafeStore.
func NewSafeStore() *SafeStore {
	return &SafeStore{values: make(map[string]any)}
}

// Set stores a value under a key.
func (s *SafeStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under a key.
func (s *SafeStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Append appends to the string slice stored under a key, creating it if
// absent. Useful as a shared ordered log across commands.
func (s *SafeStore) Append(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, _ := s.values[key].([]string)
	s.values[key] = append(log, value)
}

// Strings returns a copy of the string slice stored under a key.
func (s *SafeStore) Strings(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, _ := s.values[key].([]string)
	out := make([]string, len(log))
	copy(out, log)
	return out
}

// Len returns the number of stored keys.
func (s *SafeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
