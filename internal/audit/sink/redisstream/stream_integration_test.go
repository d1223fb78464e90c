//go:build integration

package redisstream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegation-broker/internal/audit"
	"delegation-broker/internal/audit/sink/redisstream"
	"delegation-broker/internal/exchange"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/testutil"
	"delegation-broker/pkg/testutil/containers"
)

func TestStream(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	stream := redisstream.New(rc.Client, "test:audit", 100)

	e := audit.Event{
		ID:        id.NewEventID(),
		TurnID:    id.NewTurnID(),
		EventType: audit.EventTypeGrant,
		Published: testutil.FixedNow,
		Result:    audit.ResultFailure,
		Status:    exchange.StatusDenied,
		Subject:   audit.Subject{ID: "00u-sarah"},
		Target:    audit.Target{ID: "hr"},
	}
	require.NoError(t, stream.Append(ctx, e))

	n, err := rc.Client.XLen(ctx, "test:audit").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := stream.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, e.TurnID, got[0].TurnID)
	assert.Equal(t, exchange.StatusDenied, got[0].Status)
}
