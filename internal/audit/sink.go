package audit

import (
	"context"

	id "delegation-broker/pkg/domain"
)

// Sink persists events. Implementations append in arrival order and must be
// safe for concurrent use. Append may be retried, so sinks that can should
// treat a repeated event id as already written.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can answer audit log queries.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
	BySubject(ctx context.Context, subject id.SubjectID, limit int) ([]Event, error)
	ByTurn(ctx context.Context, turnID id.TurnID) ([]Event, error)
}

// NamedSink labels a sink in logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}
