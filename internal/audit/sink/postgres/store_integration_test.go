//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegation-broker/internal/audit"
	"delegation-broker/internal/audit/sink/postgres"
	"delegation-broker/internal/exchange"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/testutil"
	"delegation-broker/pkg/testutil/containers"
)

func TestStore(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx := context.Background()

	store, err := postgres.Open(ctx, pg.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	turn := id.NewTurnID()
	expires := testutil.FixedNow.Add(time.Hour).UTC()
	granted := audit.Event{
		ID:              id.NewEventID(),
		TurnID:          turn,
		EventType:       audit.EventTypeAccessToken,
		Published:       testutil.FixedNow,
		Result:          audit.ResultSuccess,
		Status:          exchange.StatusGranted,
		Reason:          "full_grant",
		Actor:           audit.Actor{ID: "wlp-progear-assistant", ClientID: "0oa-assistant"},
		Subject:         audit.Subject{ID: "00u-sarah", Email: "sarah.sales@progear.example"},
		Target:          audit.Target{ID: "inventory", Audience: "api://inventory"},
		RequestedScopes: []string{"inventory:read"},
		GrantedScopes:   []string{"inventory:read"},
		TokenRef:        "jti-1",
		TokenExpiresAt:  &expires,
		Verified:        true,
		RequestID:       "req-test",
		PolicyVersion:   "v1",
		LateGrant:       true,
	}
	denied := audit.Event{
		ID:              id.NewEventID(),
		TurnID:          turn,
		EventType:       audit.EventTypeGrant,
		Published:       testutil.FixedNow.Add(time.Millisecond),
		Result:          audit.ResultFailure,
		Status:          exchange.StatusDenied,
		Reason:          "no_matching_policy",
		Actor:           audit.Actor{ID: "wlp-progear-assistant"},
		Subject:         audit.Subject{ID: "00u-sarah"},
		Target:          audit.Target{ID: "hr"},
		RequestedScopes: []string{"hr:read"},
		Verified:        true,
	}

	require.NoError(t, store.Append(ctx, granted))
	require.NoError(t, store.Append(ctx, denied))
	require.NoError(t, store.Append(ctx, granted), "redelivery is ignored")

	byTurn, err := store.ByTurn(ctx, turn)
	require.NoError(t, err)
	require.Len(t, byTurn, 2)
	assert.Equal(t, granted.ID, byTurn[0].ID)
	assert.Equal(t, []string{"inventory:read"}, byTurn[0].GrantedScopes)
	assert.True(t, byTurn[0].LateGrant)
	assert.False(t, byTurn[1].LateGrant)
	require.NotNil(t, byTurn[0].TokenExpiresAt)
	assert.True(t, expires.Equal(*byTurn[0].TokenExpiresAt))
	assert.Equal(t, []string{}, byTurn[1].GrantedScopes)
	assert.Nil(t, byTurn[1].TokenExpiresAt)

	recent, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, denied.ID, recent[0].ID)

	bySubject, err := store.BySubject(ctx, "00u-sarah", 10)
	require.NoError(t, err)
	assert.Len(t, bySubject, 2)
}
