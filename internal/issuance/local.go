package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"delegation-broker/pkg/requestcontext"
)

type accessClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	Act      actor  `json:"act"`
	jwt.RegisteredClaims
}

// LocalIssuer signs delegated access tokens with the broker's key. It serves
// targets that trust the broker directly and declare no token endpoint.
type LocalIssuer struct {
	signer *Signer
	issuer string
	ttl    time.Duration
}

func NewLocalIssuer(signer *Signer, issuer string, ttl time.Duration) *LocalIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LocalIssuer{signer: signer, issuer: issuer, ttl: ttl}
}

func (l *LocalIssuer) Issue(ctx context.Context, g Grant) (IssuedToken, error) {
	if g.Scopes.IsEmpty() {
		return IssuedToken{}, fmt.Errorf("issue %s: no scopes granted", g.Target.ID)
	}
	now := requestcontext.Now(ctx)
	exp := now.Add(l.ttl)
	if !g.Assertion.ExpiresAt.IsZero() && g.Assertion.ExpiresAt.Before(now) {
		return IssuedToken{}, fmt.Errorf("issue %s: assertion expired", g.Target.ID)
	}
	jti := uuid.NewString()

	value, err := l.signer.sign("at+jwt", accessClaims{
		Scope:    g.Scopes.String(),
		ClientID: g.Pair.Agent.ClientID,
		Act:      actor{Sub: string(g.Pair.Agent.AgentID), ClientID: g.Pair.Agent.ClientID},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    l.issuer,
			Subject:   string(g.Pair.User.SubjectID),
			Audience:  jwt.ClaimStrings{g.Target.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	})
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign access token for %s: %w", g.Target.ID, err)
	}
	return IssuedToken{Ref: jti, Value: value, IssuedAt: now, ExpiresAt: exp}, nil
}
