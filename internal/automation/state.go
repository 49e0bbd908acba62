package automation

import (
	"sync"
	"time"
)

// StateKey identifies one duration-tracking state. Using a struct key
// instead of a concatenated string avoids incidental collisions between
// rule and device identifiers.
type StateKey struct {
	RuleID   string
	DeviceID string
}

// StateStore tracks breach-start timestamps per (rule, device). It is
// process-local in-memory state: a restart silently resets in-progress
// duration timers, which is a documented degradation under the
// single-consumer model, not a defect.
type StateStore struct {
	mu       sync.Mutex
	breaches map[StateKey]time.Time
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{breaches: make(map[StateKey]time.Time)}
}

// BreachStart returns the recorded breach start for a key, registering
// now as the start if none exists yet. At most one state exists per key.
func (s *StateStore) BreachStart(key StateKey, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if start, ok := s.breaches[key]; ok {
		return start
	}
	s.breaches[key] = now
	return now
}

// Clear removes the state for a key. Called when the breach breaks or
// when the trigger fires.
func (s *StateStore) Clear(key StateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breaches, key)
}

// Len returns the number of tracked states.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.breaches)
}
