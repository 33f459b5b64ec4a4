package tools

import (
	"sort"
	"sync"

	"github.com/relayforge/agentq/errors"
)

// Registry is a thread-safe action registry
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action under its name
func (r *Registry) Register(action Action) error {
	if action == nil {
		return errors.ErrNilAction
	}

	if action.Name() == "" {
		return errors.ErrEmptyActionName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions[action.Name()] = action
	return nil
}

// Get retrieves an action by name
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	return action, ok
}

// List returns all registered action names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Remove unregisters an action
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.actions, name)
	return nil
}

// Clear removes all registered actions
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions = make(map[string]Action)
}
