package policy

import (
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
)

// TargetDomain is an independent authorization domain the broker can issue
// delegated tokens for. It owns its scope vocabulary.
type TargetDomain struct {
	ID       id.TargetID `json:"id"`
	Name     string      `json:"name"`
	Audience string      `json:"audience"`
	Scopes   scope.Set   `json:"scopes"`
	// TokenEndpoint, when set, is the domain's own RFC 8693 token endpoint.
	// Otherwise the broker signs the delegated token itself.
	TokenEndpoint string `json:"token_endpoint,omitempty"`
}

// Rule grants members of Group the listed scopes on Target.
type Rule struct {
	Target id.TargetID `json:"target"`
	Group  id.GroupID  `json:"group"`
	Scopes scope.Set   `json:"scopes"`
}

// Reason explains a policy decision. Values are stable and appear in
// outcomes and audit events.
type Reason string

const (
	ReasonFullGrant        Reason = "full_grant"
	ReasonPartialGrant     Reason = "partial_grant"
	ReasonNoMatchingPolicy Reason = "no_matching_policy"
	ReasonUnknownTarget    Reason = "unknown_target"
)

func (r Reason) String() string { return string(r) }

// IsDenial reports whether the reason is a policy refusal.
func (r Reason) IsDenial() bool {
	return r == ReasonNoMatchingPolicy || r == ReasonUnknownTarget
}

// Request is one (target, requested scopes) pair to evaluate.
type Request struct {
	Target id.TargetID
	Scopes scope.Set
}

// Decision is the evaluator's answer. Granted is always a subset of the
// requested scopes, in request order.
type Decision struct {
	Granted scope.Set
	Reason  Reason
}
