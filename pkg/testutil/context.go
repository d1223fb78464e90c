package testutil

import (
	"context"
	"time"

	"delegation-broker/pkg/requestcontext"
)

// FixedNow is the reference instant used by credential fixtures.
var FixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// ContextAt returns a background context whose request time is pinned to t.
func ContextAt(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

// FixedContext pins request time to FixedNow and tags a request id.
func FixedContext() context.Context {
	ctx := ContextAt(FixedNow)
	return requestcontext.WithRequestID(ctx, "req-test")
}
