// Package scope provides the ordered scope set used for requested, allowed and
// granted permissions.
//
// A Set is immutable once built. Construction normalizes its input: elements
// are trimmed, empty strings dropped and duplicates removed keeping the first
// occurrence, so the caller's order is preserved throughout evaluation and in
// audit records.
package scope

import (
	"encoding/json"
	"slices"
	"strings"
)

// Set is an ordered, duplicate-free collection of scope names.
// The zero value is an empty set.
type Set struct {
	items []string
}

// New builds a normalized Set from raw values.
func New(values ...string) Set {
	if len(values) == 0 {
		return Set{}
	}
	seen := make(map[string]struct{}, len(values))
	items := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		items = append(items, trimmed)
	}
	return Set{items: items}
}

// ParseClaim reads an OAuth space-delimited scope claim.
func ParseClaim(claim string) Set {
	return New(strings.Fields(claim)...)
}

func (s Set) Len() int { return len(s.items) }
func (s Set) IsEmpty() bool { return len(s.items) == 0 }
func (s Set) Values() []string { return slices.Clone(s.items) }

// Contains reports whether name is a member.
func (s Set) Contains(name string) bool {
	return slices.Contains(s.items, name)
}

// Intersect returns the members of s that are also in other, in s's order.
func (s Set) Intersect(other Set) Set {
	if s.IsEmpty() || other.IsEmpty() {
		return Set{}
	}
	out := make([]string, 0, len(s.items))
	for _, v := range s.items {
		if other.Contains(v) {
			out = append(out, v)
		}
	}
	return Set{items: out}
}

// Union returns s followed by the members of other not already in s.
func (s Set) Union(other Set) Set {
	if other.IsEmpty() {
		return s
	}
	return New(append(slices.Clone(s.items), other.items...)...)
}

// Minus returns the members of s that are not in other, in s's order.
func (s Set) Minus(other Set) Set {
	out := make([]string, 0, len(s.items))
	for _, v := range s.items {
		if !other.Contains(v) {
			out = append(out, v)
		}
	}
	return Set{items: out}
}

// SubsetOf reports whether every member of s is in other.
func (s Set) SubsetOf(other Set) bool {
	for _, v := range s.items {
		if !other.Contains(v) {
			return false
		}
	}
	return true
}

// Equal compares membership and order.
func (s Set) Equal(other Set) bool {
	return slices.Equal(s.items, other.items)
}

// SameMembers compares membership ignoring order.
func (s Set) SameMembers(other Set) bool {
	return s.Len() == other.Len() && s.SubsetOf(other)
}

// String renders the set as an OAuth scope claim.
func (s Set) String() string {
	return strings.Join(s.items, " ")
}

func (s Set) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = New(raw...)
	return nil
}
