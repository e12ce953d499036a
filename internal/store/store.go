// Package store provides the in-memory key-value containers backing the
// coordinator's entity tables. One Store instance holds one entity kind.
//
// The store gives no cross-entity atomicity; callers that must mutate several
// entities together (e.g. a claim touching both Shift and FanoutState) own
// that serialization themselves.
package store

import "sync"

type Store[V any] struct {
	mu    sync.RWMutex
	order []string
	items map[string]V
}

func New[V any]() *Store[V] {
	return &Store[V]{items: map[string]V{}}
}

// Get returns the value for id. The second result reports existence; a miss
// is not an error.
func (s *Store[V]) Get(id string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

// Put upserts unconditionally; last write wins.
func (s *Store[V]) Put(id string, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		s.order = append(s.order, id)
	}
	s.items[id] = v
}

// All returns a snapshot of all values in insertion order.
// Callers must not rely on the order semantically.
func (s *Store[V]) All() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, 0, len(s.items))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Clear empties the store. Used at process boundaries and in tests.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.items = map[string]V{}
}
