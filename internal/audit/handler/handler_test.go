package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegation-broker/internal/audit"
	"delegation-broker/internal/audit/sink/memory"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/testutil"
)

type brokenReader struct{}

func (brokenReader) Recent(context.Context, int) ([]audit.Event, error) {
	return nil, errors.New("connection refused")
}

func (brokenReader) BySubject(context.Context, id.SubjectID, int) ([]audit.Event, error) {
	return nil, errors.New("connection refused")
}

func (brokenReader) ByTurn(context.Context, id.TurnID) ([]audit.Event, error) {
	return nil, errors.New("connection refused")
}

func serve(reader audit.Reader) chi.Router {
	r := chi.NewRouter()
	New(reader, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	return r
}

func TestHandleEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.New(100)
	turnA, turnB := id.NewTurnID(), id.NewTurnID()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, audit.Event{ID: id.NewEventID(), TurnID: turnA, Subject: audit.Subject{ID: "sarah"}}))
	}
	require.NoError(t, store.Append(ctx, audit.Event{ID: id.NewEventID(), TurnID: turnB, Subject: audit.Subject{ID: "mike"}}))
	r := serve(store)

	get := func(t *testing.T, path string) *EventsResponse {
		t.Helper()
		rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		return testutil.UnmarshalResponse[EventsResponse](t, rr)
	}

	t.Run("recent with limit", func(t *testing.T) {
		resp := get(t, "/v1/audit/events?limit=2")
		require.Len(t, resp.Events, 2)
		assert.Equal(t, turnB, resp.Events[0].TurnID)
	})

	t.Run("by subject", func(t *testing.T) {
		resp := get(t, "/v1/audit/events?subject=sarah")
		assert.Len(t, resp.Events, 3)
	})

	t.Run("by turn wins over subject", func(t *testing.T) {
		resp := get(t, "/v1/audit/events?subject=sarah&turn_id="+turnB.String())
		require.Len(t, resp.Events, 1)
		assert.Equal(t, id.SubjectID("mike"), resp.Events[0].Subject.ID)
	})

	t.Run("unknown subject is an empty list", func(t *testing.T) {
		rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodGet, "/v1/audit/events?subject=nobody", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"events":[]}`, rr.Body.String())
	})
}

func TestHandleEventsErrors(t *testing.T) {
	r := serve(memory.New(10))
	for _, path := range []string{
		"/v1/audit/events?limit=0",
		"/v1/audit/events?limit=501",
		"/v1/audit/events?limit=ten",
		"/v1/audit/events?turn_id=nope",
	} {
		rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodGet, path, nil))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "invalid_input")
	}

	rr := testutil.DoRequest(serve(brokenReader{}), testutil.NewJSONRequest(t, http.MethodGet, "/v1/audit/events", nil))
	testutil.AssertStatusAndError(t, rr, http.StatusServiceUnavailable, "unavailable")
}
