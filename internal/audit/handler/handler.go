// Package handler serves the audit log query endpoint.
package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"delegation-broker/internal/audit"
	id "delegation-broker/pkg/domain"
	dErrors "delegation-broker/pkg/domain-errors"
	"delegation-broker/pkg/platform/httputil"
	"delegation-broker/pkg/requestcontext"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Handler struct {
	reader audit.Reader
	logger *slog.Logger
}

func New(reader audit.Reader, logger *slog.Logger) *Handler {
	return &Handler{reader: reader, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/audit/events", h.HandleEvents)
}

type EventsResponse struct {
	Events []audit.Event `json:"events"`
}

// HandleEvents handles GET /v1/audit/events. turn_id takes precedence over
// subject; with neither, the newest events are returned.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var events []audit.Event
	switch {
	case q.Get("turn_id") != "":
		turnID, perr := id.ParseTurnID(q.Get("turn_id"))
		if perr != nil {
			httputil.WriteError(w, perr)
			return
		}
		events, err = h.reader.ByTurn(ctx, turnID)
	case q.Get("subject") != "":
		subject, perr := id.ParseSubjectID(q.Get("subject"))
		if perr != nil {
			httputil.WriteError(w, perr)
			return
		}
		events, err = h.reader.BySubject(ctx, subject, limit)
	default:
		events, err = h.reader.Recent(ctx, limit)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "audit query failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit log unavailable"))
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, EventsResponse{Events: events})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "limit must be between 1 and 500")
	}
	return n, nil
}
