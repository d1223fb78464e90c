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

	"delegation-broker/internal/policy"
	"delegation-broker/pkg/testutil"
)

type stubReloader struct {
	version string
	err     error
	calls   int
}

func (s *stubReloader) Reload(context.Context) (string, error) {
	s.calls++
	return s.version, s.err
}

type stubBroadcaster struct {
	reasons []string
	err     error
}

func (s *stubBroadcaster) Publish(_ context.Context, reason string) error {
	s.reasons = append(s.reasons, reason)
	return s.err
}

func demoStore(t *testing.T) *policy.SnapshotStore {
	t.Helper()
	snap, err := policy.Demo()
	require.NoError(t, err)
	return policy.NewSnapshotStore(snap)
}

func router(h *Handler) chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	h.RegisterAdmin(r)
	return r
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHandleTargets(t *testing.T) {
	r := router(New(demoStore(t), nil, nil, discard()))

	rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodGet, "/v1/targets", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	resp := testutil.UnmarshalResponse[TargetsResponse](t, rr)
	assert.Equal(t, policy.DemoVersion, resp.PolicyVersion)
	require.Len(t, resp.Targets, 4)
	assert.Equal(t, "customer", resp.Targets[0].ID)
	assert.Equal(t, "api://progear-customer", resp.Targets[0].Audience)
	assert.ElementsMatch(t, []string{"customer:read", "customer:lookup", "customer:history"}, resp.Targets[0].Scopes)
	assert.False(t, resp.Targets[0].Remote)
}

func TestHandleReload(t *testing.T) {
	t.Run("reloads and broadcasts", func(t *testing.T) {
		reloader := &stubReloader{version: "v7"}
		broadcaster := &stubBroadcaster{}
		r := router(New(demoStore(t), reloader, broadcaster, discard()))

		rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodPost, "/admin/policy/reload", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		resp := testutil.UnmarshalResponse[ReloadResponse](t, rr)
		assert.Equal(t, "v7", resp.PolicyVersion)
		assert.True(t, resp.Broadcast)
		assert.Equal(t, 1, reloader.calls)
		assert.Len(t, broadcaster.reasons, 1)
	})

	t.Run("broadcast failure still reports the local reload", func(t *testing.T) {
		r := router(New(demoStore(t), &stubReloader{version: "v8"}, &stubBroadcaster{err: errors.New("redis down")}, discard()))

		rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodPost, "/admin/policy/reload", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		resp := testutil.UnmarshalResponse[ReloadResponse](t, rr)
		assert.Equal(t, "v8", resp.PolicyVersion)
		assert.False(t, resp.Broadcast)
	})

	t.Run("failed reload is unavailable and skips broadcast", func(t *testing.T) {
		broadcaster := &stubBroadcaster{}
		r := router(New(demoStore(t), &stubReloader{err: errors.New("bad yaml")}, broadcaster, discard()))

		rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodPost, "/admin/policy/reload", nil))
		testutil.AssertStatusAndError(t, rr, http.StatusServiceUnavailable, "unavailable")
		assert.Empty(t, broadcaster.reasons)
	})

	t.Run("no reloader configured", func(t *testing.T) {
		r := router(New(demoStore(t), nil, nil, discard()))
		rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodPost, "/admin/policy/reload", nil))
		testutil.AssertStatusAndError(t, rr, http.StatusServiceUnavailable, "unavailable")
	})
}
