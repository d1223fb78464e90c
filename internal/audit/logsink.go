package audit

import (
	"context"
	"log/slog"
)

// LogSink writes each event as one structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(ctx context.Context, e Event) error {
	s.logger.InfoContext(ctx, "audit",
		"event_id", e.ID.String(),
		"event_type", e.EventType,
		"turn_id", e.TurnID.String(),
		"request_id", e.RequestID,
		"result", string(e.Result),
		"status", string(e.Status),
		"reason", e.Reason,
		"actor", string(e.Actor.ID),
		"subject", string(e.Subject.ID),
		"target", string(e.Target.ID),
		"requested_scopes", e.RequestedScopes,
		"granted_scopes", e.GrantedScopes,
		"token_ref", e.TokenRef,
		"verified", e.Verified,
	)
	return nil
}
