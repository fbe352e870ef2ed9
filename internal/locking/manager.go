// Package locking provides named, in-process mutual exclusion for
// background jobs. spec.md §9 calls for the scheduler's isExecuting /
// lastExecutionDate pair to behave as "a single mutex-owning scheduler
// struct... the minute-tick is the only holder of a write lock. No
// module-level singletons." Manager generalizes that one lock into any
// number of named locks without sharing global state. Its one user is the
// orchestrator, whose scheduled and manual-trigger runs both take the
// "execution" lock.
package locking

import (
	"fmt"
	"sync"
)

// Manager owns a set of named locks, each held by at most one caller.
type Manager struct {
	mu    sync.Mutex
	held  map[string]bool
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{held: make(map[string]bool)}
}

// Acquire takes the named lock or returns an error if it is already held.
// Never blocks: callers that lose the race should skip their run rather
// than wait, matching the teacher's "don't fail, just skip this cycle".
func (m *Manager) Acquire(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[name] {
		return fmt.Errorf("locking: %q already held", name)
	}
	m.held[name] = true
	return nil
}

// Release frees the named lock. Safe to call even if not held.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
}

// IsHeld reports whether name is currently locked.
func (m *Manager) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[name]
}
