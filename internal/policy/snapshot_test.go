package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegation-broker/internal/policy"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
)

func salesTarget() policy.TargetDomain {
	return policy.TargetDomain{ID: "sales", Name: "Sales", Audience: "api://sales", Scopes: scope.New("sales:read", "sales:order")}
}

func TestNewSnapshotValidation(t *testing.T) {
	tests := []struct {
		name    string
		targets []policy.TargetDomain
		rules   []policy.Rule
		wantErr string
	}{
		{
			name:    "missing audience",
			targets: []policy.TargetDomain{{ID: "sales", Scopes: scope.New("sales:read")}},
			wantErr: "audience is required",
		},
		{
			name:    "duplicate target",
			targets: []policy.TargetDomain{salesTarget(), salesTarget()},
			wantErr: "declared twice",
		},
		{
			name:    "rule for unknown target",
			targets: []policy.TargetDomain{salesTarget()},
			rules:   []policy.Rule{{Target: "hr", Group: "g", Scopes: scope.New("hr:read")}},
			wantErr: "unknown target",
		},
		{
			name:    "rule without group",
			targets: []policy.TargetDomain{salesTarget()},
			rules:   []policy.Rule{{Target: "sales", Scopes: scope.New("sales:read")}},
			wantErr: "group is required",
		},
		{
			name:    "rule scope outside target vocabulary",
			targets: []policy.TargetDomain{salesTarget()},
			rules:   []policy.Rule{{Target: "sales", Group: "g", Scopes: scope.New("sales:read", "inventory:read")}},
			wantErr: "not declared by target",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := policy.NewSnapshot("v1", tt.targets, tt.rules)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSnapshotMergesRulesPerGroup(t *testing.T) {
	snap, err := policy.NewSnapshot("v1", []policy.TargetDomain{salesTarget()}, []policy.Rule{
		{Target: "sales", Group: "g", Scopes: scope.New("sales:read")},
		{Target: "sales", Group: "g", Scopes: scope.New("sales:order")},
	})
	require.NoError(t, err)

	allowed, known, err := snap.Lookup(context.Background(), []id.GroupID{"g"}, "sales")
	require.NoError(t, err)
	assert.True(t, known)
	assert.True(t, allowed.SameMembers(scope.New("sales:read", "sales:order")))

	rules := snap.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "v1", snap.Version())
	assert.False(t, snap.LoadedAt().IsZero())
}

func TestDemoCatalogue(t *testing.T) {
	snap := demo(t)
	assert.Equal(t, policy.DemoVersion, snap.Version())

	targets := snap.Targets()
	require.Len(t, targets, 4)
	ids := make([]string, 0, len(targets))
	for _, tgt := range targets {
		ids = append(ids, string(tgt.ID))
	}
	assert.Equal(t, []string{"customer", "inventory", "pricing", "sales"}, ids)

	inv, ok := snap.Target("inventory")
	require.True(t, ok)
	assert.Equal(t, "api://progear-inventory", inv.Audience)
}

func TestSnapshotStoreReplace(t *testing.T) {
	first := demo(t)
	store := policy.NewSnapshotStore(first)
	pinned := store.Current()

	next, err := policy.NewSnapshot("v2", []policy.TargetDomain{salesTarget()}, nil)
	require.NoError(t, err)
	prev := store.Replace(next)

	assert.Same(t, first, prev)
	assert.Same(t, next, store.Current())
	// a turn that pinned the old snapshot keeps seeing it
	_, ok := pinned.Target("pricing")
	assert.True(t, ok)
}
