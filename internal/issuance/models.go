// Package issuance mints the per-turn identity assertion grant (ID-JAG) and
// the delegated access tokens handed back for each target domain.
package issuance

//go:generate mockgen -source=models.go -destination=mocks/mocks.go -package=mocks Issuer

import (
	"context"
	"time"

	"delegation-broker/internal/identity"
	"delegation-broker/internal/policy"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
)

// Grant is everything an issuer needs to mint one delegated token.
type Grant struct {
	Assertion Assertion
	Pair      identity.Pair
	Target    policy.TargetDomain
	Scopes    scope.Set
	TurnID    id.TurnID
}

// IssuedToken is a delegated token. Ref is the token's jti and is the only
// part that leaves the broker in audit events.
type IssuedToken struct {
	Ref       string    `json:"ref"`
	Value     string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer mints a token for one target.
type Issuer interface {
	Issue(ctx context.Context, g Grant) (IssuedToken, error)
}

// Assertion is a signed ID-JAG binding a user and an agent for one turn.
type Assertion struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}
