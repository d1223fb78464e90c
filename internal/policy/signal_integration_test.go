//go:build integration

package policy_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegation-broker/internal/policy"
	"delegation-broker/pkg/testutil/containers"
)

type countingReloader struct{ n atomic.Int32 }

func (c *countingReloader) Reload(context.Context) (string, error) {
	c.n.Add(1)
	return "v-signal", nil
}

func TestReloadSignal(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	reloader := &countingReloader{}
	sig := policy.NewReloadSignal(rc.Client, reloader, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sig.Listen(ctx)

	require.Eventually(t, func() bool {
		n, err := rc.Client.PubSubNumSub(ctx, policy.ReloadChannel).Result()
		return err == nil && n[policy.ReloadChannel] > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sig.Publish(ctx, "catalogue edited"))
	assert.Eventually(t, func() bool { return reloader.n.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
}
