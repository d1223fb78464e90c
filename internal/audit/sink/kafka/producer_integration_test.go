//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"delegation-broker/internal/audit"
	"delegation-broker/internal/audit/sink/kafka"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/testutil"
	"delegation-broker/pkg/testutil/containers"
)

func TestProducer(t *testing.T) {
	rp := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	producer, err := kafka.New(rp.Brokers, "test.audit")
	require.NoError(t, err)
	t.Cleanup(producer.Close)
	require.NoError(t, producer.EnsureTopic(ctx))
	require.NoError(t, producer.EnsureTopic(ctx), "existing topic is fine")

	e := audit.Event{
		ID:        id.NewEventID(),
		TurnID:    id.NewTurnID(),
		EventType: audit.EventTypeGrant,
		Published: testutil.FixedNow,
		Result:    audit.ResultFailure,
		Target:    audit.Target{ID: "hr"},
	}
	require.NoError(t, producer.Append(ctx, e))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Brokers...),
		kgo.ConsumeTopics("test.audit"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.Empty(t, fetches.Errors())
	records := fetches.Records()
	require.Len(t, records, 1)
	assert.Equal(t, e.ID.String(), string(records[0].Key))

	var got audit.Event
	require.NoError(t, json.Unmarshal(records[0].Value, &got))
	assert.Equal(t, e.TurnID, got.TurnID)
}
