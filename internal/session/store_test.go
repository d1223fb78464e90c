package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegation-broker/internal/session"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/platform/sentinel"
)

func TestMemoryTurnStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryTurnStore(2)
	first := &session.Result{TurnID: id.NewTurnID()}
	second := &session.Result{TurnID: id.NewTurnID()}
	third := &session.Result{TurnID: id.NewTurnID()}

	for _, r := range []*session.Result{first, second, second, third} {
		require.NoError(t, store.Save(ctx, r))
	}
	assert.Equal(t, 2, store.Len())

	_, err := store.Get(ctx, first.TurnID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	got, err := store.Get(ctx, third.TurnID)
	require.NoError(t, err)
	assert.Same(t, third, got)
}
