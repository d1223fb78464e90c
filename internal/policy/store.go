package policy

import (
	"context"
	"sync/atomic"

	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
)

// Store is the read interface the evaluator consumes. Remote-backed
// implementations may block and may fail; Snapshot never does.
type Store interface {
	Lookup(ctx context.Context, groups []id.GroupID, target id.TargetID) (allowed scope.Set, known bool, err error)
}

// Catalogue resolves target metadata (audience, token endpoint).
type Catalogue interface {
	Target(tid id.TargetID) (TargetDomain, bool)
}

// SnapshotStore holds the current snapshot. Readers pin one snapshot with
// Current and keep using it for the whole turn; Replace swaps atomically, so
// a turn never observes a half-applied update.
type SnapshotStore struct {
	current atomic.Pointer[Snapshot]
}

// NewSnapshotStore returns a store serving initial.
func NewSnapshotStore(initial *Snapshot) *SnapshotStore {
	s := &SnapshotStore{}
	s.current.Store(initial)
	return s
}

// Current returns the snapshot in force right now.
func (s *SnapshotStore) Current() *Snapshot {
	return s.current.Load()
}

// Replace installs next and returns the snapshot it replaced.
func (s *SnapshotStore) Replace(next *Snapshot) *Snapshot {
	return s.current.Swap(next)
}
