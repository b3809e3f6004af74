package runtime

import (
	"reflect"
	"sync"

	"github.com/tiendc/go-deepcopy"
)

// State is the hook-style key/value store threaded through a run. Condition
// predicates and fragment templates read it via snapshots; tool handlers
// write it through conf.StateStore. A write that actually changes a value
// marks the state dirty and fires the change callback, signalling the owner
// to re-render the configuration tree. Writing an equal value is a no-op,
// which keeps render loops from feeding themselves.
type State struct {
	mu       sync.RWMutex
	values   map[string]any
	dirty    bool
	onChange func()
}

// NewState creates an empty state store.
func NewState() *State {
	return &State{values: map[string]any{}}
}

// OnChange registers the callback fired when a write dirties the state.
// The callback runs outside the state lock.
func (s *State) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Set writes a state cell. Equal values (deep comparison) do not dirty the
// state.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	old, existed := s.values[key]
	if existed && reflect.DeepEqual(old, value) {
		s.mu.Unlock()
		return
	}
	s.values[key] = value
	s.dirty = true
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Get reads a state cell.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot returns a deep copy of the state, safe to hand to predicates and
// templates while handlers keep writing.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	if err := deepcopy.Copy(&out, &s.values); err != nil {
		// Fall back to a shallow copy; reference values stay shared.
		for k, v := range s.values {
			out[k] = v
		}
	}
	return out
}

// ConsumeDirty reports whether the state was dirtied since the last call and
// resets the flag.
func (s *State) ConsumeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := s.dirty
	s.dirty = false
	return dirty
}
