package build

import (
	"context"
	"sync"
)

// ProcessTable tracks the cancel handle of each in-flight build so cancels
// can reach the running subprocess. Handles are removed on every exit path;
// a leaked handle would make a finished build look cancellable.
type ProcessTable struct {
	mu      sync.Mutex
	handles map[string]context.CancelFunc
}

// NewProcessTable returns an empty table.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{handles: make(map[string]context.CancelFunc)}
}

// Track registers a cancel handle for a build.
func (t *ProcessTable) Track(buildID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[buildID] = cancel
}

// Remove drops the handle for a build. Safe to call for unknown ids.
func (t *ProcessTable) Remove(buildID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, buildID)
}

// Cancel fires the handle for a build if one is tracked and reports whether
// it was found.
func (t *ProcessTable) Cancel(buildID string) bool {
	t.mu.Lock()
	cancel, ok := t.handles[buildID]
	delete(t.handles, buildID)
	t.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Len reports how many builds are currently tracked.
func (t *ProcessTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
