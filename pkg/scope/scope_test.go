package scope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "nil input",
			input:    nil,
			expected: nil,
		},
		{
			name:     "trims whitespace",
			input:    []string{"  sales:read  ", "sales:quote  "},
			expected: []string{"sales:read", "sales:quote"},
		},
		{
			name:     "removes duplicates preserving first occurrence",
			input:    []string{"sales:order", "sales:read", "sales:order"},
			expected: []string{"sales:order", "sales:read"},
		},
		{
			name:     "removes empty strings",
			input:    []string{"sales:read", "", "  "},
			expected: []string{"sales:read"},
		},
		{
			name:     "preserves case",
			input:    []string{"Sales:Read", "sales:read"},
			expected: []string{"Sales:Read", "sales:read"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.input...).Values()
			if tt.expected == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestIntersect_PreservesRequestOrder(t *testing.T) {
	requested := New("inventory:write", "inventory:read", "inventory:alert")
	allowed := New("inventory:read", "inventory:write")

	granted := requested.Intersect(allowed)

	assert.Equal(t, []string{"inventory:write", "inventory:read"}, granted.Values())
	assert.True(t, granted.SubsetOf(requested))
	assert.True(t, granted.SubsetOf(allowed))
}

func TestIntersect_EmptySides(t *testing.T) {
	assert.True(t, New().Intersect(New("a")).IsEmpty())
	assert.True(t, New("a").Intersect(Set{}).IsEmpty())
}

func TestUnionAndMinus(t *testing.T) {
	a := New("customer:read", "customer:lookup")
	b := New("customer:lookup", "customer:history")

	assert.Equal(t, []string{"customer:read", "customer:lookup", "customer:history"}, a.Union(b).Values())
	assert.Equal(t, []string{"customer:read"}, a.Minus(b).Values())
}

func TestEquality(t *testing.T) {
	a := New("x", "y")
	b := New("y", "x")

	assert.False(t, a.Equal(b))
	assert.True(t, a.SameMembers(b))
	assert.False(t, a.SameMembers(New("x")))
}

func TestValues_ReturnsCopy(t *testing.T) {
	s := New("pricing:read")
	v := s.Values()
	v[0] = "pricing:margin"

	assert.Equal(t, []string{"pricing:read"}, s.Values())
}

func TestClaimRoundTrip(t *testing.T) {
	s := ParseClaim("  sales:read   sales:quote sales:read ")
	assert.Equal(t, "sales:read sales:quote", s.String())
}

func TestJSON(t *testing.T) {
	raw, err := json.Marshal(Set{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))

	var s Set
	require.NoError(t, json.Unmarshal([]byte(`[" a ","b","a"]`), &s))
	assert.Equal(t, []string{"a", "b"}, s.Values())
}
