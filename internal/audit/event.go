// Package audit derives one immutable event per resolved outcome and ships
// events to sinks without blocking the turn that produced them.
package audit

import (
	"time"

	"delegation-broker/internal/exchange"
	"delegation-broker/internal/identity"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
)

// Event types follow the authorization server system log the demo console
// reads: a successful grant carries the access_token suffix.
const (
	EventTypeGrant       = "app.oauth2.as.token.grant"
	EventTypeAccessToken = "app.oauth2.as.token.grant.access_token"
)

type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
)

type Actor struct {
	ID          id.AgentID `json:"id"`
	DisplayName string     `json:"display_name,omitempty"`
	ClientID    string     `json:"client_id,omitempty"`
}

type Subject struct {
	ID          id.SubjectID `json:"id"`
	DisplayName string       `json:"display_name,omitempty"`
	Email       string       `json:"email,omitempty"`
}

type Target struct {
	ID       id.TargetID `json:"id"`
	Name     string      `json:"name,omitempty"`
	Audience string      `json:"audience,omitempty"`
}

// Event is the attributable record of one target's outcome within a turn.
// It is a value; nothing in it points back at the turn.
type Event struct {
	ID              id.EventID      `json:"id"`
	TurnID          id.TurnID       `json:"turn_id"`
	EventType       string          `json:"event_type"`
	Published       time.Time       `json:"published"`
	Result          Result          `json:"result"`
	Status          exchange.Status `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	Actor           Actor           `json:"actor"`
	Subject         Subject         `json:"subject"`
	Target          Target          `json:"target"`
	RequestedScopes []string        `json:"requested_scopes"`
	GrantedScopes   []string        `json:"granted_scopes"`
	TokenRef        string          `json:"token_ref,omitempty"`
	TokenExpiresAt  *time.Time      `json:"token_expires_at,omitempty"`
	Verified        bool            `json:"verified"`
	RequestID       string          `json:"request_id,omitempty"`
	PolicyVersion   string          `json:"policy_version,omitempty"`

	// LateGrant marks a token issued after its turn was sealed. The sealed
	// turn still reports the outcome as an error.
	LateGrant bool `json:"late_grant,omitempty"`
}

// TurnView is the slice of a sealed turn an event needs. When verification
// failed User and Agent hold best-effort unverified ids and Verified is false.
type TurnView struct {
	TurnID        id.TurnID
	RequestID     string
	User          identity.User
	Agent         identity.Agent
	Verified      bool
	PolicyVersion string
	SealedAt      time.Time
}

// NewEvent derives the event for o. It has no side effects; the event id is
// the only value not determined by the inputs.
func NewEvent(view TurnView, o exchange.Outcome) Event {
	e := Event{
		ID:        id.NewEventID(),
		TurnID:    view.TurnID,
		EventType: EventTypeGrant,
		Published: o.ResolvedAt,
		Result:    ResultFailure,
		Status:    o.Status,
		Reason:    string(o.Reason),
		Actor: Actor{
			ID:          view.Agent.AgentID,
			DisplayName: view.Agent.DisplayName,
			ClientID:    view.Agent.ClientID,
		},
		Subject: Subject{
			ID:          view.User.SubjectID,
			DisplayName: view.User.DisplayName,
			Email:       view.User.Email,
		},
		Target:          Target{ID: o.Target, Name: o.TargetName, Audience: o.Audience},
		RequestedScopes: listOf(o.Requested),
		GrantedScopes:   listOf(o.Granted),
		Verified:        view.Verified,
		RequestID:       view.RequestID,
		PolicyVersion:   view.PolicyVersion,
	}
	if e.Published.IsZero() {
		e.Published = view.SealedAt
	}
	if o.Status == exchange.StatusGranted || o.Status == exchange.StatusPartiallyGranted {
		e.Result = ResultSuccess
	}
	if o.Token != nil {
		e.EventType = EventTypeAccessToken
		e.TokenRef = o.Token.Ref
		exp := o.Token.ExpiresAt
		e.TokenExpiresAt = &exp
	}
	return e
}

// NewLateGrantEvent records o, a grant that resolved after the turn was
// sealed, so the issued token is never missing from the audit trail.
func NewLateGrantEvent(view TurnView, o exchange.Outcome) Event {
	e := NewEvent(view, o)
	e.LateGrant = true
	return e
}

func listOf(s scope.Set) []string {
	if s.IsEmpty() {
		return []string{}
	}
	return s.Values()
}
