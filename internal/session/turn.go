// Package session runs one user-visible turn: it validates the request,
// drives the broker under a single deadline, seals the turn and hands the
// sealed result to the caller, the audit emitter and the turn history.
package session

import (
	"sync"
	"time"

	"delegation-broker/internal/exchange"
	"delegation-broker/internal/identity"
	"delegation-broker/internal/policy"
	id "delegation-broker/pkg/domain"
)

// State is a turn's lifecycle position. Sealed is terminal.
type State string

const (
	StateCreated          State = "created"
	StateAwaitingOutcomes State = "awaiting_outcomes"
	StateSealed           State = "sealed"
)

// Aggregate summarises a sealed turn's outcomes.
type Aggregate string

const (
	AggregateGrantedAll Aggregate = "granted_all"
	AggregateMixed      Aggregate = "mixed"
	AggregateDeniedAll  Aggregate = "denied_all"
	AggregateError      Aggregate = "error"
)

// LateGrantFunc receives a grant that resolved after the turn was sealed.
type LateGrantFunc func(sealed *Result, o exchange.Outcome)

// Turn collects outcomes for one request. It is the exchange.Recorder the
// broker resolves into; once sealed it ignores further results, except that
// a late grant carrying a token is handed to the LateGrantFunc.
type Turn struct {
	mu        sync.Mutex
	id        id.TurnID
	requestID string
	snap      *policy.Snapshot
	requests  []exchange.ScopeRequest
	outcomes  []exchange.Outcome
	resolved  []bool
	late      []bool
	pending   int
	state     State
	createdAt time.Time
	deadline  time.Time
	sealed    *Result
	onLate    LateGrantFunc
}

// NewTurn creates a turn pinned to snap, which names the targets of
// outcomes the turn has to fill in itself.
func NewTurn(turnID id.TurnID, requestID string, snap *policy.Snapshot, requests []exchange.ScopeRequest, createdAt time.Time) *Turn {
	return &Turn{
		id:        turnID,
		requestID: requestID,
		snap:      snap,
		requests:  requests,
		outcomes:  make([]exchange.Outcome, len(requests)),
		resolved:  make([]bool, len(requests)),
		late:      make([]bool, len(requests)),
		pending:   len(requests),
		state:     StateCreated,
		createdAt: createdAt,
	}
}

// OnLateGrant registers fn for grants that arrive after Seal. At most one
// call is made per slot.
func (t *Turn) OnLateGrant(fn LateGrantFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLate = fn
}

func (t *Turn) ID() id.TurnID { return t.id }

func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending reports how many outcomes are still unresolved.
func (t *Turn) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Await starts accepting outcomes. It is a no-op unless the turn is new.
func (t *Turn) Await(deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCreated {
		return
	}
	t.deadline = deadline
	t.state = StateAwaitingOutcomes
}

// Resolve records the outcome for request i. The first outcome for a slot
// wins; anything arriving before Await is dropped. After Seal the sealed
// result no longer changes, and only a grant with a token is passed on.
func (t *Turn) Resolve(i int, o exchange.Outcome) {
	t.mu.Lock()
	if i < 0 || i >= len(t.outcomes) {
		t.mu.Unlock()
		return
	}
	if t.state == StateSealed {
		fn, sealed := t.onLate, t.sealed
		report := fn != nil && o.Token != nil && sealed.Outcomes[i].Token == nil && !t.late[i]
		if report {
			t.late[i] = true
		}
		t.mu.Unlock()
		if report {
			fn(sealed, o)
		}
		return
	}
	defer t.mu.Unlock()
	if t.state != StateAwaitingOutcomes || t.resolved[i] {
		return
	}
	t.outcomes[i] = o
	t.resolved[i] = true
	t.pending--
}

// Seal forces every pending outcome to Error with reason and freezes the
// turn. Sealing twice returns the first result.
func (t *Turn) Seal(reason exchange.Reason, principals Principals, at time.Time) *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed != nil {
		return t.sealed
	}
	for i, ok := range t.resolved {
		if !ok {
			t.outcomes[i] = exchange.ErrorOutcome(t.snap, t.requests[i], reason, at)
			t.resolved[i] = true
		}
	}
	t.pending = 0
	t.state = StateSealed

	outcomes := make([]exchange.Outcome, len(t.outcomes))
	copy(outcomes, t.outcomes)
	t.sealed = &Result{
		TurnID:        t.id,
		RequestID:     t.requestID,
		State:         StateSealed,
		Aggregate:     AggregateOf(outcomes),
		User:          principals.User,
		Agent:         principals.Agent,
		Verified:      principals.Verified,
		PolicyVersion: principals.PolicyVersion,
		Outcomes:      outcomes,
		CreatedAt:     t.createdAt,
		Deadline:      t.deadline,
		SealedAt:      at,
	}
	return t.sealed
}

// Principals is what the session learned about who the turn ran for.
type Principals struct {
	User          identity.User
	Agent         identity.Agent
	Verified      bool
	PolicyVersion string
}

// Result is a sealed turn. Outcomes are index-aligned with the request.
type Result struct {
	TurnID        id.TurnID          `json:"turn_id"`
	RequestID     string             `json:"request_id,omitempty"`
	State         State              `json:"state"`
	Aggregate     Aggregate          `json:"aggregate_status"`
	User          identity.User      `json:"user"`
	Agent         identity.Agent     `json:"agent"`
	Verified      bool               `json:"verified"`
	PolicyVersion string             `json:"policy_version,omitempty"`
	Outcomes      []exchange.Outcome `json:"outcomes"`
	CreatedAt     time.Time          `json:"created_at"`
	Deadline      time.Time          `json:"deadline"`
	SealedAt      time.Time          `json:"sealed_at"`
}

// AggregateOf classifies outcomes. Partial grants count towards mixed.
func AggregateOf(outcomes []exchange.Outcome) Aggregate {
	var granted, denied, failed int
	for _, o := range outcomes {
		switch o.Status {
		case exchange.StatusGranted:
			granted++
		case exchange.StatusDenied:
			denied++
		case exchange.StatusError:
			failed++
		}
	}
	switch n := len(outcomes); {
	case n == 0:
		return AggregateError
	case granted == n:
		return AggregateGrantedAll
	case denied == n:
		return AggregateDeniedAll
	case failed == n:
		return AggregateError
	default:
		return AggregateMixed
	}
}
