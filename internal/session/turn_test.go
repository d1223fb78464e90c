package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegation-broker/internal/exchange"
	"delegation-broker/internal/issuance"
	"delegation-broker/internal/policy"
	"delegation-broker/internal/session"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
	"delegation-broker/pkg/testutil"
)

func outcome(target id.TargetID, status exchange.Status) exchange.Outcome {
	return exchange.Outcome{Target: target, Status: status, ResolvedAt: testutil.FixedNow}
}

func demoSnapshot(t *testing.T) *policy.Snapshot {
	t.Helper()
	demo, err := policy.Demo()
	require.NoError(t, err)
	return demo
}

func TestTurnLifecycle(t *testing.T) {
	snap := demoSnapshot(t)
	requests := []exchange.ScopeRequest{
		{Target: "sales", Scopes: scope.New("sales:read")},
		{Target: "inventory", Scopes: scope.New("inventory:read")},
	}

	testutil.Given(t, "a new turn", func(t *testing.T) {
		turn := session.NewTurn(id.NewTurnID(), "req-1", snap, requests, testutil.FixedNow)
		assert.Equal(t, session.StateCreated, turn.State())

		testutil.When(t, "an outcome arrives before the turn is awaiting", func(t *testing.T) {
			turn.Resolve(0, outcome("sales", exchange.StatusGranted))
			testutil.Then(t, "it is ignored", func(t *testing.T) {
				assert.Equal(t, 2, turn.Pending())
			})
		})
	})

	testutil.Given(t, "an awaiting turn with one resolved outcome", func(t *testing.T) {
		turn := session.NewTurn(id.NewTurnID(), "req-1", snap, requests, testutil.FixedNow)
		turn.Await(testutil.FixedNow.Add(time.Second))
		turn.Resolve(0, outcome("sales", exchange.StatusDenied))
		turn.Resolve(0, outcome("sales", exchange.StatusGranted))
		require.Equal(t, session.StateAwaitingOutcomes, turn.State())
		require.Equal(t, 1, turn.Pending())

		testutil.When(t, "it is sealed on timeout", func(t *testing.T) {
			result := turn.Seal(exchange.ReasonTimeout, session.Principals{Verified: true}, testutil.FixedNow.Add(time.Second))

			testutil.Then(t, "the first outcome for a slot is kept", func(t *testing.T) {
				assert.Equal(t, exchange.StatusDenied, result.Outcomes[0].Status)
			})
			testutil.Then(t, "pending slots become timeout errors", func(t *testing.T) {
				assert.Equal(t, exchange.StatusError, result.Outcomes[1].Status)
				assert.Equal(t, exchange.ReasonTimeout, result.Outcomes[1].Reason)
				assert.Equal(t, []string{"inventory:read"}, result.Outcomes[1].Requested.Values())
				assert.Equal(t, "api://progear-inventory", result.Outcomes[1].Audience)
				assert.Equal(t, "ProGear Inventory MCP", result.Outcomes[1].TargetName)
			})
			testutil.Then(t, "late outcomes and second seals change nothing", func(t *testing.T) {
				turn.Resolve(1, outcome("inventory", exchange.StatusGranted))
				again := turn.Seal(exchange.ReasonCancelled, session.Principals{}, testutil.FixedNow.Add(time.Hour))
				assert.Same(t, result, again)
				assert.Equal(t, exchange.StatusError, again.Outcomes[1].Status)
				assert.Equal(t, session.StateSealed, turn.State())
				assert.Equal(t, session.AggregateMixed, again.Aggregate)
			})
		})
	})
}

func TestTurnLateGrants(t *testing.T) {
	requests := []exchange.ScopeRequest{
		{Target: "sales", Scopes: scope.New("sales:read")},
		{Target: "inventory", Scopes: scope.New("inventory:read")},
	}
	granted := func(target id.TargetID, ref string) exchange.Outcome {
		o := outcome(target, exchange.StatusGranted)
		o.Token = &issuance.IssuedToken{Ref: ref}
		return o
	}

	testutil.Given(t, "a turn sealed by cancellation with a late-grant listener", func(t *testing.T) {
		turn := session.NewTurn(id.NewTurnID(), "req-1", demoSnapshot(t), requests, testutil.FixedNow)
		var (
			reported []exchange.Outcome
			sealedAs *session.Result
		)
		turn.OnLateGrant(func(sealed *session.Result, o exchange.Outcome) {
			sealedAs = sealed
			reported = append(reported, o)
		})
		turn.Await(testutil.FixedNow.Add(time.Second))
		turn.Resolve(1, granted("inventory", "jti-on-time"))
		result := turn.Seal(exchange.ReasonCancelled, session.Principals{Verified: true}, testutil.FixedNow.Add(time.Second))

		testutil.When(t, "the cancelled unit's token arrives afterwards", func(t *testing.T) {
			turn.Resolve(0, granted("sales", "jti-late"))
			turn.Resolve(0, granted("sales", "jti-again"))

			testutil.Then(t, "the listener hears about it once", func(t *testing.T) {
				require.Len(t, reported, 1)
				assert.Equal(t, "jti-late", reported[0].Token.Ref)
				assert.Same(t, result, sealedAs)
			})
			testutil.Then(t, "the sealed result is unchanged", func(t *testing.T) {
				assert.Equal(t, exchange.StatusError, result.Outcomes[0].Status)
				assert.Equal(t, exchange.ReasonCancelled, result.Outcomes[0].Reason)
				assert.Nil(t, result.Outcomes[0].Token)
			})
		})

		testutil.When(t, "late results without a new token arrive", func(t *testing.T) {
			turn.Resolve(0, outcome("sales", exchange.StatusDenied))
			turn.Resolve(1, granted("inventory", "jti-duplicate"))

			testutil.Then(t, "they are dropped", func(t *testing.T) {
				assert.Len(t, reported, 1)
			})
		})
	})
}

func TestAggregateOf(t *testing.T) {
	g, p, d, e := exchange.StatusGranted, exchange.StatusPartiallyGranted, exchange.StatusDenied, exchange.StatusError
	cases := []struct {
		name     string
		statuses []exchange.Status
		want     session.Aggregate
	}{
		{"all granted", []exchange.Status{g, g}, session.AggregateGrantedAll},
		{"partial grant is mixed", []exchange.Status{g, p}, session.AggregateMixed},
		{"single partial grant", []exchange.Status{p}, session.AggregateMixed},
		{"all denied", []exchange.Status{d, d}, session.AggregateDeniedAll},
		{"all errors", []exchange.Status{e, e}, session.AggregateError},
		{"denied and error", []exchange.Status{d, e}, session.AggregateMixed},
		{"empty", nil, session.AggregateError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcomes := make([]exchange.Outcome, len(tc.statuses))
			for i, st := range tc.statuses {
				outcomes[i] = outcome("t", st)
			}
			assert.Equal(t, tc.want, session.AggregateOf(outcomes))
		})
	}
}
