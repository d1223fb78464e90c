package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
)

// Snapshot is an immutable, versioned view of the target catalogue and its
// rules. Evaluation within a turn reads exactly one snapshot.
type Snapshot struct {
	version  string
	loadedAt time.Time
	targets  map[id.TargetID]TargetDomain
	// allowed[target][group] is the union of all rules for that pair.
	allowed map[id.TargetID]map[id.GroupID]scope.Set
}

// NewSnapshot validates targets and rules and builds a snapshot. Rules must
// reference known targets and only use scopes from the target's vocabulary.
func NewSnapshot(version string, targets []TargetDomain, rules []Rule) (*Snapshot, error) {
	s := &Snapshot{
		version:  version,
		loadedAt: time.Now().UTC(),
		targets:  make(map[id.TargetID]TargetDomain, len(targets)),
		allowed:  make(map[id.TargetID]map[id.GroupID]scope.Set, len(targets)),
	}
	for _, t := range targets {
		if t.ID == "" {
			return nil, fmt.Errorf("target with empty id")
		}
		if t.Audience == "" {
			return nil, fmt.Errorf("target %q: audience is required", t.ID)
		}
		if _, dup := s.targets[t.ID]; dup {
			return nil, fmt.Errorf("target %q declared twice", t.ID)
		}
		s.targets[t.ID] = t
		s.allowed[t.ID] = map[id.GroupID]scope.Set{}
	}
	for i, r := range rules {
		t, ok := s.targets[r.Target]
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown target %q", i, r.Target)
		}
		if r.Group == "" {
			return nil, fmt.Errorf("rule %d: group is required", i)
		}
		if extra := r.Scopes.Minus(t.Scopes); !extra.IsEmpty() {
			return nil, fmt.Errorf("rule %d: scopes %v not declared by target %q", i, extra.Values(), r.Target)
		}
		byGroup := s.allowed[r.Target]
		byGroup[r.Group] = byGroup[r.Group].Union(r.Scopes)
	}
	return s, nil
}

func (s *Snapshot) Version() string { return s.version }
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Lookup returns the union of scopes granted to any of groups on target.
// known is false when the target is not in the catalogue. A snapshot never
// fails; the error return satisfies Store.
func (s *Snapshot) Lookup(_ context.Context, groups []id.GroupID, target id.TargetID) (scope.Set, bool, error) {
	byGroup, ok := s.allowed[target]
	if !ok {
		return scope.Set{}, false, nil
	}
	var allowed scope.Set
	for _, g := range groups {
		allowed = allowed.Union(byGroup[g])
	}
	return allowed, true, nil
}

// Target returns the catalogue entry for tid.
func (s *Snapshot) Target(tid id.TargetID) (TargetDomain, bool) {
	t, ok := s.targets[tid]
	return t, ok
}

// Targets lists the catalogue sorted by id.
func (s *Snapshot) Targets() []TargetDomain {
	out := make([]TargetDomain, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rules lists the effective group grants, sorted by target then group.
func (s *Snapshot) Rules() []Rule {
	var out []Rule
	for tid, byGroup := range s.allowed {
		for g, scopes := range byGroup {
			out = append(out, Rule{Target: tid, Group: g, Scopes: scopes})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Group < out[j].Group
	})
	return out
}
