// Package memory keeps the most recent audit events in process for the
// read-only audit log endpoint and for tests.
package memory

import (
	"context"
	"sync"

	"delegation-broker/internal/audit"
	id "delegation-broker/pkg/domain"
)

// Store is a bounded ring of events. When full, the oldest event is
// overwritten.
type Store struct {
	mu       sync.RWMutex
	events   []audit.Event
	head     int // next write position
	count    int
	capacity int
	seen     map[id.EventID]struct{}
	dropped  int64
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Store{
		events:   make([]audit.Event, capacity),
		capacity: capacity,
		seen:     make(map[id.EventID]struct{}, capacity),
	}
}

// Append ignores an event id it already holds.
func (s *Store) Append(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[e.ID]; dup {
		return nil
	}
	if s.count == s.capacity {
		delete(s.seen, s.events[s.head].ID)
		s.count--
		s.dropped++
	}
	s.events[s.head] = e
	s.seen[e.ID] = struct{}{}
	s.head = (s.head + 1) % s.capacity
	s.count++
	return nil
}

// newestFirst walks events from most recent to oldest until fn returns false.
func (s *Store) newestFirst(fn func(audit.Event) bool) {
	for i := 1; i <= s.count; i++ {
		idx := (s.head - i + s.capacity) % s.capacity
		if !fn(s.events[idx]) {
			return
		}
	}
}

func (s *Store) Recent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(audit.Event) bool { return true }), nil
}

func (s *Store) BySubject(_ context.Context, subject id.SubjectID, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(e audit.Event) bool { return e.Subject.ID == subject }), nil
}

// ByTurn returns a turn's events in the order they were appended.
func (s *Store) ByTurn(_ context.Context, turnID id.TurnID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collect(0, func(e audit.Event) bool { return e.TurnID == turnID })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// collect returns matching events newest first. limit <= 0 means all.
func (s *Store) collect(limit int, match func(audit.Event) bool) []audit.Event {
	out := []audit.Event{}
	s.newestFirst(func(e audit.Event) bool {
		if match(e) {
			out = append(out, e)
		}
		return limit <= 0 || len(out) < limit
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Dropped reports how many events were overwritten.
func (s *Store) Dropped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}
