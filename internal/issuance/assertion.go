package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"delegation-broker/internal/identity"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/requestcontext"
)

// AssertionType is the JWT typ header of an identity assertion grant.
const AssertionType = "oauth-id-jag+jwt"

type actor struct {
	Sub      string `json:"sub"`
	ClientID string `json:"client_id,omitempty"`
}

type assertionClaims struct {
	ClientID string `json:"client_id"`
	Email    string `json:"email,omitempty"`
	TurnID   string `json:"turn_id"`
	Act      actor  `json:"act"`
	jwt.RegisteredClaims
}

// AssertionMinter signs one ID-JAG per turn. The assertion proves the user
// authorised the agent and is what remote token endpoints exchange.
type AssertionMinter struct {
	signer *Signer
	issuer string
	ttl    time.Duration
}

func NewAssertionMinter(signer *Signer, issuer string, ttl time.Duration) *AssertionMinter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AssertionMinter{signer: signer, issuer: issuer, ttl: ttl}
}

// Mint binds pair into a short-lived assertion. Only verified pairs are
// accepted.
func (m *AssertionMinter) Mint(ctx context.Context, pair identity.Pair, turnID id.TurnID) (Assertion, error) {
	if !pair.Verified() {
		return Assertion{}, fmt.Errorf("mint assertion: pair is not verified")
	}
	now := requestcontext.Now(ctx)
	exp := now.Add(m.ttl)
	jti := uuid.NewString()

	value, err := m.signer.sign(AssertionType, assertionClaims{
		ClientID: pair.Agent.ClientID,
		Email:    pair.User.Email,
		TurnID:   turnID.String(),
		Act:      actor{Sub: string(pair.Agent.AgentID), ClientID: pair.Agent.ClientID},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   string(pair.User.SubjectID),
			Audience:  jwt.ClaimStrings{m.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	})
	if err != nil {
		return Assertion{}, fmt.Errorf("sign assertion: %w", err)
	}
	return Assertion{Value: value, ID: jti, ExpiresAt: exp}, nil
}
