// Package exchange turns one verified user+agent pair and a list of target
// scope requests into per-target outcomes.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"delegation-broker/internal/identity"
	"delegation-broker/internal/issuance"
	"delegation-broker/internal/policy"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
)

// Status is the terminal state of one target's exchange.
type Status string

const (
	StatusGranted          Status = "granted"
	StatusPartiallyGranted Status = "partially_granted"
	StatusDenied           Status = "denied"
	StatusError            Status = "error"
)

// Reason codes. Policy reasons and identity failure kinds are reused
// verbatim; the rest describe errors raised here or by the session.
type Reason string

const (
	ReasonFullGrant         = Reason(policy.ReasonFullGrant)
	ReasonPartialGrant      = Reason(policy.ReasonPartialGrant)
	ReasonNoMatchingPolicy  = Reason(policy.ReasonNoMatchingPolicy)
	ReasonUnknownTarget     = Reason(policy.ReasonUnknownTarget)
	ReasonInvalidCredential = Reason(identity.KindInvalidCredential)
	ReasonExpiredCredential = Reason(identity.KindExpiredCredential)
	ReasonSignatureMismatch = Reason(identity.KindSignatureMismatch)

	ReasonIssuanceFailed    Reason = "issuance_failed"
	ReasonPolicyUnavailable Reason = "policy_unavailable"
	ReasonTimeout           Reason = "timeout"
	ReasonCancelled         Reason = "cancelled"
)

// ScopeRequest asks for scopes on one target. Scopes is already normalised.
type ScopeRequest struct {
	Target id.TargetID `json:"target_domain_id"`
	Scopes scope.Set   `json:"scopes"`
}

// Outcome is the resolved result for one ScopeRequest.
type Outcome struct {
	Target     id.TargetID           `json:"target_domain_id"`
	TargetName string                `json:"target_name,omitempty"`
	Audience   string                `json:"audience,omitempty"`
	Status     Status                `json:"status"`
	Requested  scope.Set             `json:"requested_scopes"`
	Granted    scope.Set             `json:"granted_scopes"`
	Reason     Reason                `json:"reason_code,omitempty"`
	Token      *issuance.IssuedToken `json:"token,omitempty"`
	ResolvedAt time.Time             `json:"resolved_at"`
}

// Input is one turn's worth of work.
type Input struct {
	TurnID         id.TurnID
	UserCredential string
	AgentAssertion string
	Requests       []ScopeRequest
	// Snapshot pins the policy view for the turn. Nil means the one current
	// when verification succeeds.
	Snapshot *policy.Snapshot
}

// Recorder receives outcomes as units finish. Index i refers to
// Input.Requests. Implementations must be safe for concurrent use and must
// ignore calls once they stop accepting outcomes.
type Recorder interface {
	Resolve(i int, o Outcome)
}

// ErrorOutcome resolves req to Error without touching policy or issuance.
// The target's name and audience come from snap when it knows the target.
func ErrorOutcome(snap *policy.Snapshot, req ScopeRequest, reason Reason, at time.Time) Outcome {
	o := Outcome{
		Target:     req.Target,
		Status:     StatusError,
		Requested:  req.Scopes,
		Granted:    scope.Set{},
		Reason:     reason,
		ResolvedAt: at,
	}
	o.describe(snap)
	return o
}

func (o *Outcome) describe(snap *policy.Snapshot) {
	if snap == nil {
		return
	}
	if t, ok := snap.Target(o.Target); ok {
		o.TargetName, o.Audience = t.Name, t.Audience
	}
}

// InterruptReason maps why a context ended to the reason recorded on
// outcomes that never resolved.
func InterruptReason(err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonCancelled
}

// statusFor maps a policy reason to an outcome status.
func statusFor(r policy.Reason) Status {
	switch r {
	case policy.ReasonFullGrant:
		return StatusGranted
	case policy.ReasonPartialGrant:
		return StatusPartiallyGranted
	default:
		return StatusDenied
	}
}

// Check reports the first broken outcome invariant, if any.
func (o Outcome) Check() error {
	if !o.Granted.SubsetOf(o.Requested) {
		return fmt.Errorf("%s: granted %v not within requested %v", o.Target, o.Granted.Values(), o.Requested.Values())
	}
	switch o.Status {
	case StatusGranted:
		if !o.Granted.SameMembers(o.Requested) {
			return fmt.Errorf("%s: granted status with partial grant", o.Target)
		}
	case StatusPartiallyGranted:
		if o.Granted.IsEmpty() || o.Granted.SameMembers(o.Requested) {
			return fmt.Errorf("%s: partially granted status with grant %v", o.Target, o.Granted.Values())
		}
	case StatusDenied, StatusError:
		if !o.Granted.IsEmpty() {
			return fmt.Errorf("%s: %s outcome carries scopes", o.Target, o.Status)
		}
		if o.Token != nil {
			return fmt.Errorf("%s: %s outcome carries a token", o.Target, o.Status)
		}
	default:
		return fmt.Errorf("%s: unknown status %q", o.Target, o.Status)
	}
	if (o.Status == StatusGranted || o.Status == StatusPartiallyGranted) && o.Token == nil {
		return fmt.Errorf("%s: %s outcome without a token", o.Target, o.Status)
	}
	return nil
}
