package handler

import (
	"time"

	"delegation-broker/internal/session"
)

// TurnResponse is returned by POST /v1/exchange and GET /v1/turns/{turnID}.
// Outcomes are index-aligned with the request.
type TurnResponse struct {
	TurnID          string            `json:"turn_id"`
	AggregateStatus string            `json:"aggregate_status"`
	Verified        bool              `json:"verified"`
	PolicyVersion   string            `json:"policy_version,omitempty"`
	Outcomes        []OutcomeResponse `json:"outcomes"`
	SealedAt        time.Time         `json:"sealed_at"`
}

type OutcomeResponse struct {
	TargetDomainID string     `json:"target_domain_id"`
	Audience       string     `json:"audience,omitempty"`
	Status         string     `json:"status"`
	RequestedScope []string   `json:"requested_scopes"`
	GrantedScopes  []string   `json:"granted_scopes"`
	ReasonCode     string     `json:"reason_code,omitempty"`
	TokenRef       string     `json:"token_ref,omitempty"`
	AccessToken    string     `json:"access_token,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// FromResult converts a sealed turn. Token values are included only when
// withTokens is set, which is the case for the caller that ran the turn.
func FromResult(r *session.Result, withTokens bool) *TurnResponse {
	out := &TurnResponse{
		TurnID:          r.TurnID.String(),
		AggregateStatus: string(r.Aggregate),
		Verified:        r.Verified,
		PolicyVersion:   r.PolicyVersion,
		Outcomes:        make([]OutcomeResponse, len(r.Outcomes)),
		SealedAt:        r.SealedAt,
	}
	for i, o := range r.Outcomes {
		or := OutcomeResponse{
			TargetDomainID: string(o.Target),
			Audience:       o.Audience,
			Status:         string(o.Status),
			RequestedScope: nonNil(o.Requested.Values()),
			GrantedScopes:  nonNil(o.Granted.Values()),
			ReasonCode:     string(o.Reason),
		}
		if o.Token != nil {
			exp := o.Token.ExpiresAt
			or.TokenRef, or.ExpiresAt = o.Token.Ref, &exp
			if withTokens {
				or.AccessToken = o.Token.Value
			}
		}
		out.Outcomes[i] = or
	}
	return out
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
