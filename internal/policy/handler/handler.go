// Package handler exposes the policy catalogue and operator reload over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"delegation-broker/internal/policy"
	dErrors "delegation-broker/pkg/domain-errors"
	"delegation-broker/pkg/platform/httputil"
	"delegation-broker/pkg/requestcontext"
)

// Snapshots yields the policy in force.
type Snapshots interface {
	Current() *policy.Snapshot
}

// Broadcaster tells other replicas to reload.
type Broadcaster interface {
	Publish(ctx context.Context, reason string) error
}

type Handler struct {
	snapshots   Snapshots
	reloader    policy.Reloader
	broadcaster Broadcaster
	logger      *slog.Logger
}

// New builds the handler. reloader and broadcaster may be nil, in which case
// the reload endpoint answers 503 or skips the broadcast respectively.
func New(snapshots Snapshots, reloader policy.Reloader, broadcaster Broadcaster, logger *slog.Logger) *Handler {
	return &Handler{snapshots: snapshots, reloader: reloader, broadcaster: broadcaster, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/targets", h.HandleTargets)
}

// RegisterAdmin mounts operator endpoints. The caller guards r.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/admin/policy/reload", h.HandleReload)
}

type TargetResponse struct {
	ID       string   `json:"target_domain_id"`
	Name     string   `json:"name"`
	Audience string   `json:"audience"`
	Scopes   []string `json:"scopes"`
	Remote   bool     `json:"remote_issuance"`
}

type TargetsResponse struct {
	PolicyVersion string           `json:"policy_version"`
	Targets       []TargetResponse `json:"targets"`
}

// HandleTargets handles GET /v1/targets.
func (h *Handler) HandleTargets(w http.ResponseWriter, _ *http.Request) {
	snap := h.snapshots.Current()
	targets := snap.Targets()
	resp := TargetsResponse{PolicyVersion: snap.Version(), Targets: make([]TargetResponse, len(targets))}
	for i, t := range targets {
		resp.Targets[i] = TargetResponse{
			ID:       string(t.ID),
			Name:     t.Name,
			Audience: t.Audience,
			Scopes:   t.Scopes.Values(),
			Remote:   t.TokenEndpoint != "",
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type ReloadResponse struct {
	PolicyVersion string `json:"policy_version"`
	Broadcast     bool   `json:"broadcast"`
}

// HandleReload handles POST /admin/policy/reload.
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	if h.reloader == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnavailable, "no reloadable policy source configured"))
		return
	}

	version, err := h.reloader.Reload(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "policy reload failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "policy reload failed"))
		return
	}

	resp := ReloadResponse{PolicyVersion: version}
	if h.broadcaster != nil {
		if err := h.broadcaster.Publish(ctx, "admin reload "+requestID); err != nil {
			h.logger.WarnContext(ctx, "policy reload broadcast failed",
				"request_id", requestID,
				"error", err,
			)
		} else {
			resp.Broadcast = true
		}
	}
	h.logger.InfoContext(ctx, "policy reloaded by operator",
		"request_id", requestID,
		"version", version,
		"broadcast", resp.Broadcast,
	)
	httputil.WriteJSON(w, http.StatusOK, resp)
}
