package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"delegation-broker/internal/session"
	id "delegation-broker/pkg/domain"
	dErrors "delegation-broker/pkg/domain-errors"
	"delegation-broker/pkg/platform/httputil"
	"delegation-broker/pkg/platform/sentinel"
	"delegation-broker/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

// Service runs and looks up turns.
type Service interface {
	Run(ctx context.Context, req session.Request) (*session.Result, error)
	Turn(ctx context.Context, turnID id.TurnID) (*session.Result, error)
}

// Handler wires turn endpoints to the session service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the turn endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/exchange", h.HandleExchange)
	r.Get("/v1/turns/{turnID}", h.HandleGetTurn)
}

// HandleExchange handles POST /v1/exchange. Every well-formed request gets
// 200 with a complete outcome list, including turns whose credentials failed
// verification.
func (h *Handler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[ExchangeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	result, err := h.service.Run(ctx, req.ToDomain(bearerToken(r)))
	if err != nil {
		h.logger.WarnContext(ctx, "turn rejected",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "turn completed",
		"request_id", requestID,
		"turn_id", result.TurnID.String(),
		"aggregate", string(result.Aggregate),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, FromResult(result, true))
}

// HandleGetTurn handles GET /v1/turns/{turnID}.
func (h *Handler) HandleGetTurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	turnID, err := id.ParseTurnID(chi.URLParam(r, "turnID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.Turn(ctx, turnID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "turn not found"))
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "turn lookup failed",
			"request_id", requestcontext.RequestID(ctx),
			"turn_id", turnID.String(),
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "turn history unavailable"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromResult(result, false))
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
