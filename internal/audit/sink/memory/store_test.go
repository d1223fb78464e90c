package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegation-broker/internal/audit"
	id "delegation-broker/pkg/domain"
)

func ev(turn id.TurnID, subject id.SubjectID) audit.Event {
	return audit.Event{ID: id.NewEventID(), TurnID: turn, Subject: audit.Subject{ID: subject}}
}

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("append is idempotent on event id", func(t *testing.T) {
		s := New(4)
		e := ev(id.NewTurnID(), "u1")
		require.NoError(t, s.Append(ctx, e))
		require.NoError(t, s.Append(ctx, e))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("recent is newest first and honours the limit", func(t *testing.T) {
		s := New(10)
		turn := id.NewTurnID()
		a, b, c := ev(turn, "u1"), ev(turn, "u2"), ev(turn, "u1")
		for _, e := range []audit.Event{a, b, c} {
			require.NoError(t, s.Append(ctx, e))
		}

		got, err := s.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, c.ID, got[0].ID)
		assert.Equal(t, b.ID, got[1].ID)

		bySubject, err := s.BySubject(ctx, "u1", 10)
		require.NoError(t, err)
		require.Len(t, bySubject, 2)
		assert.Equal(t, c.ID, bySubject[0].ID)

		byTurn, err := s.ByTurn(ctx, turn)
		require.NoError(t, err)
		require.Len(t, byTurn, 3)
		assert.Equal(t, []id.EventID{a.ID, b.ID, c.ID}, []id.EventID{byTurn[0].ID, byTurn[1].ID, byTurn[2].ID})
	})

	t.Run("a full ring overwrites the oldest event", func(t *testing.T) {
		s := New(2)
		first := ev(id.NewTurnID(), "u1")
		require.NoError(t, s.Append(ctx, first))
		require.NoError(t, s.Append(ctx, ev(id.NewTurnID(), "u1")))
		require.NoError(t, s.Append(ctx, ev(id.NewTurnID(), "u1")))

		assert.Equal(t, 2, s.Len())
		assert.Equal(t, int64(1), s.Dropped())
		got, err := s.ByTurn(ctx, first.TurnID)
		require.NoError(t, err)
		assert.Empty(t, got)

		// The evicted id is forgotten, so a redelivery is stored again.
		require.NoError(t, s.Append(ctx, first))
		assert.Equal(t, int64(2), s.Dropped())
	})

	t.Run("empty store returns empty slices", func(t *testing.T) {
		s := New(0)
		got, err := s.Recent(ctx, 5)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}
