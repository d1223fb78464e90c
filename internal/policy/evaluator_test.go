package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegation-broker/internal/identity"
	"delegation-broker/internal/policy"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/platform/sentinel"
	"delegation-broker/pkg/scope"
	"delegation-broker/pkg/testutil"
)

func pairIn(groups ...id.GroupID) identity.Pair {
	return identity.Pair{
		User:  identity.User{SubjectID: "00u-test", Groups: groups},
		Agent: identity.Agent{AgentID: "progear-sales-agent"},
	}
}

func demo(t *testing.T) *policy.Snapshot {
	t.Helper()
	snap, err := policy.Demo()
	require.NoError(t, err)
	return snap
}

type failingStore struct{ err error }

func (f failingStore) Lookup(context.Context, []id.GroupID, id.TargetID) (scope.Set, bool, error) {
	return scope.Set{}, false, f.err
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	ev := policy.NewEvaluator()
	snap := demo(t)

	testutil.Given(t, "a sales user", func(t *testing.T) {
		sales := pairIn("ProGear-Sales")

		testutil.When(t, "all requested scopes are allowed", func(t *testing.T) {
			d, err := ev.Evaluate(ctx, snap, sales, policy.Request{Target: "sales", Scopes: scope.New("sales:read", "sales:quote")})
			require.NoError(t, err)

			testutil.Then(t, "the full request is granted", func(t *testing.T) {
				assert.Equal(t, policy.ReasonFullGrant, d.Reason)
				assert.Equal(t, []string{"sales:read", "sales:quote"}, d.Granted.Values())
			})
		})

		testutil.When(t, "only some scopes are allowed", func(t *testing.T) {
			d, err := ev.Evaluate(ctx, snap, sales, policy.Request{Target: "inventory", Scopes: scope.New("inventory:write", "inventory:read")})
			require.NoError(t, err)

			testutil.Then(t, "the intersection is granted in request order", func(t *testing.T) {
				assert.Equal(t, policy.ReasonPartialGrant, d.Reason)
				assert.Equal(t, []string{"inventory:read"}, d.Granted.Values())
			})
		})

		testutil.When(t, "nothing requested is allowed", func(t *testing.T) {
			d, err := ev.Evaluate(ctx, snap, sales, policy.Request{Target: "pricing", Scopes: scope.New("pricing:margin")})
			require.NoError(t, err)

			testutil.Then(t, "the request is denied", func(t *testing.T) {
				assert.Equal(t, policy.ReasonNoMatchingPolicy, d.Reason)
				assert.True(t, d.Granted.IsEmpty())
				assert.True(t, d.Reason.IsDenial())
			})
		})

		testutil.When(t, "the target is not in the catalogue", func(t *testing.T) {
			d, err := ev.Evaluate(ctx, snap, sales, policy.Request{Target: "payroll", Scopes: scope.New("payroll:read")})
			require.NoError(t, err)

			testutil.Then(t, "it is an unknown target denial", func(t *testing.T) {
				assert.Equal(t, policy.ReasonUnknownTarget, d.Reason)
				assert.True(t, d.Granted.IsEmpty())
			})
		})

		testutil.When(t, "the request names no scopes", func(t *testing.T) {
			d, err := ev.Evaluate(ctx, snap, sales, policy.Request{Target: "sales"})
			require.NoError(t, err)

			testutil.Then(t, "there is nothing to grant", func(t *testing.T) {
				assert.Equal(t, policy.ReasonNoMatchingPolicy, d.Reason)
			})
		})
	})

	testutil.Given(t, "a user in several groups", func(t *testing.T) {
		both := pairIn("ProGear-Sales", "ProGear-Finance")
		d, err := ev.Evaluate(ctx, snap, both, policy.Request{Target: "pricing", Scopes: scope.New("pricing:read", "pricing:margin")})
		require.NoError(t, err)

		testutil.Then(t, "grants are the union across groups", func(t *testing.T) {
			assert.Equal(t, policy.ReasonFullGrant, d.Reason)
			assert.Equal(t, []string{"pricing:read", "pricing:margin"}, d.Granted.Values())
		})
	})

	testutil.Given(t, "a user in no group", func(t *testing.T) {
		d, err := ev.Evaluate(ctx, snap, pairIn(), policy.Request{Target: "sales", Scopes: scope.New("sales:read")})
		require.NoError(t, err)
		assert.Equal(t, policy.ReasonNoMatchingPolicy, d.Reason)
	})

	testutil.Given(t, "a store that cannot answer", func(t *testing.T) {
		_, err := ev.Evaluate(ctx, failingStore{err: sentinel.ErrUnavailable}, pairIn("ProGear-Sales"),
			policy.Request{Target: "sales", Scopes: scope.New("sales:read")})

		testutil.Then(t, "the error is surfaced, not turned into a denial", func(t *testing.T) {
			require.Error(t, err)
			assert.True(t, errors.Is(err, sentinel.ErrUnavailable))
		})
	})
}

func TestEvaluateIsDeterministic(t *testing.T) {
	ev := policy.NewEvaluator()
	snap := demo(t)
	req := policy.Request{Target: "customer", Scopes: scope.New("customer:history", "customer:lookup", "customer:read")}
	first, err := ev.Evaluate(context.Background(), snap, pairIn("ProGear-Sales"), req)
	require.NoError(t, err)
	for range 20 {
		again, err := ev.Evaluate(context.Background(), snap, pairIn("ProGear-Sales"), req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"customer:lookup", "customer:read"}, first.Granted.Values())
}
