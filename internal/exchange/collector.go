package exchange

import (
	"context"
	"sync"
	"time"

	"delegation-broker/internal/policy"
)

// Collector is a Recorder backed by a slice. Close fills unresolved slots
// and stops accepting further results.
type Collector struct {
	mu       sync.Mutex
	snap     *policy.Snapshot
	requests []ScopeRequest
	outcomes []Outcome
	resolved []bool
	closed   bool
}

func NewCollector(snap *policy.Snapshot, requests []ScopeRequest) *Collector {
	return &Collector{
		snap:     snap,
		requests: requests,
		outcomes: make([]Outcome, len(requests)),
		resolved: make([]bool, len(requests)),
	}
}

func (c *Collector) Resolve(i int, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || i < 0 || i >= len(c.outcomes) || c.resolved[i] {
		return
	}
	c.outcomes[i] = o
	c.resolved[i] = true
}

// Close resolves every pending slot to Error with reason and returns the
// outcomes in request order.
func (c *Collector) Close(reason Reason, at time.Time) []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		for i, ok := range c.resolved {
			if !ok {
				c.outcomes[i] = ErrorOutcome(c.snap, c.requests[i], reason, at)
				c.resolved[i] = true
			}
		}
		c.closed = true
	}
	out := make([]Outcome, len(c.outcomes))
	copy(out, c.outcomes)
	return out
}

// ExchangeAll runs Exchange and returns index-aligned outcomes. Requests
// still pending when ctx ends resolve to Error/timeout or Error/cancelled.
func (b *Broker) ExchangeAll(ctx context.Context, in Input) ([]Outcome, error) {
	if in.Snapshot == nil {
		in.Snapshot = b.snapshots.Current()
	}
	c := NewCollector(in.Snapshot, in.Requests)
	_, err := b.Exchange(ctx, in, c)
	reason := ReasonCancelled
	if ctx.Err() != nil {
		reason = InterruptReason(ctx.Err())
	}
	return c.Close(reason, time.Now().UTC()), err
}
