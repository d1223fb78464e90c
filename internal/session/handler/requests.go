package handler

import (
	"strings"
	"time"

	"delegation-broker/internal/session"
	dErrors "delegation-broker/pkg/domain-errors"
)

// maxTimeoutMS keeps timeout_ms within a sane integer range; the service
// applies the real cap.
const maxTimeoutMS = 10 * 60 * 1000

// ExchangeRequest is the body of POST /v1/exchange.
type ExchangeRequest struct {
	UserCredential string             `json:"user_credential"`
	AgentAssertion string             `json:"agent_assertion"`
	Requests       []ScopeRequestBody `json:"requests"`
	TimeoutMS      int64              `json:"timeout_ms,omitempty"`
}

type ScopeRequestBody struct {
	TargetDomainID string   `json:"target_domain_id"`
	Scopes         []string `json:"scopes"`
}

// Validate checks shape only. Credentials may still arrive through the
// Authorization header, so their presence is checked by the service.
func (r *ExchangeRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if r.TimeoutMS < 0 || r.TimeoutMS > maxTimeoutMS {
		return dErrors.New(dErrors.CodeValidation, "timeout_ms out of range")
	}
	r.UserCredential = strings.TrimSpace(r.UserCredential)
	r.AgentAssertion = strings.TrimSpace(r.AgentAssertion)
	return nil
}

// ToDomain builds the session request. bearer fills in a missing
// user_credential.
func (r *ExchangeRequest) ToDomain(bearer string) session.Request {
	items := make([]session.RequestItem, len(r.Requests))
	for i, sr := range r.Requests {
		items[i] = session.RequestItem{Target: sr.TargetDomainID, Scopes: sr.Scopes}
	}
	user := r.UserCredential
	if user == "" {
		user = bearer
	}
	return session.Request{
		UserCredential: user,
		AgentAssertion: r.AgentAssertion,
		Requests:       items,
		Timeout:        time.Duration(r.TimeoutMS) * time.Millisecond,
	}
}
