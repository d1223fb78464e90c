package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/requestcontext"
)

// maxCredentialSize rejects oversized tokens before any parsing.
const maxCredentialSize = 16 * 1024

var (
	errDisallowedAlg = errors.New("signing algorithm not allowed")
	errKeyMismatch   = errors.New("key type does not match algorithm")
)

// Config describes what the verifier trusts.
type Config struct {
	// Issuer is the identity provider that signs user credentials.
	Issuer string
	// Audience must appear in both credentials' aud claim.
	Audience string
	// ClockSkew is tolerated on exp, nbf and iat.
	ClockSkew time.Duration
	// MaxAssertionLifetime caps exp-iat on agent assertions.
	MaxAssertionLifetime time.Duration
	// Algorithms allowed for either credential. Defaults to RS256, ES256, EdDSA.
	Algorithms []string
}

func (c Config) withDefaults() Config {
	if c.MaxAssertionLifetime <= 0 {
		c.MaxAssertionLifetime = 5 * time.Minute
	}
	if len(c.Algorithms) == 0 {
		c.Algorithms = []string{"RS256", "ES256", "EdDSA"}
	}
	return c
}

type userClaims struct {
	jwt.RegisteredClaims
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Email             string   `json:"email,omitempty"`
	Groups            []string `json:"groups,omitempty"`
}

type agentClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id,omitempty"`
}

// Verifier checks a user's ID token and an agent's self-signed assertion.
// It has no side effects and reads time only from the request context.
type Verifier struct {
	cfg      Config
	userKeys *KeySet
	agents   AgentRegistry
}

// NewVerifier builds a verifier trusting userKeys for user credentials and
// the agents' registered keys for assertions.
func NewVerifier(cfg Config, userKeys *KeySet, agents AgentRegistry) *Verifier {
	return &Verifier{cfg: cfg.withDefaults(), userKeys: userKeys, agents: agents}
}

// Verify validates both credentials independently and returns the bound
// identity pair. Failures are always *VerificationError.
func (v *Verifier) Verify(ctx context.Context, userCredential, agentAssertion string) (Pair, error) {
	now := requestcontext.Now(ctx)

	user, err := v.verifyUser(userCredential, now)
	if err != nil {
		return Pair{}, err
	}
	agent, err := v.verifyAgent(agentAssertion, now)
	if err != nil {
		return Pair{}, err
	}
	return Pair{User: user, Agent: agent, VerifiedAt: now}, nil
}

func (v *Verifier) verifyUser(raw string, now time.Time) (User, error) {
	raw = strings.TrimSpace(raw)
	if err := checkShape(raw); err != nil {
		return User{}, failure(KindInvalidCredential, CredentialUser, err)
	}

	claims := &userClaims{}
	_, err := v.parser(now, jwt.WithIssuer(v.cfg.Issuer)).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		key, err := v.userKeys.Lookup(kidOf(t))
		if err != nil {
			return nil, err
		}
		return v.checkKey(t, key)
	})
	if err != nil {
		return User{}, failure(classify(err), CredentialUser, err)
	}

	subject, err := id.ParseSubjectID(claims.Subject)
	if err != nil {
		return User{}, failure(KindInvalidCredential, CredentialUser, err)
	}
	groups := make([]id.GroupID, 0, len(claims.Groups))
	for _, g := range claims.Groups {
		gid, err := id.ParseGroupID(g)
		if err != nil {
			return User{}, failure(KindInvalidCredential, CredentialUser, fmt.Errorf("groups: %w", err))
		}
		groups = append(groups, gid)
	}
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	return User{SubjectID: subject, DisplayName: name, Email: claims.Email, Groups: groups}, nil
}

func (v *Verifier) verifyAgent(raw string, now time.Time) (Agent, error) {
	raw = strings.TrimSpace(raw)
	if err := checkShape(raw); err != nil {
		return Agent{}, failure(KindInvalidCredential, CredentialAgent, err)
	}

	var record AgentRecord
	claims := &agentClaims{}
	_, err := v.parser(now, jwt.WithIssuedAt()).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		c := t.Claims.(*agentClaims)
		if c.Issuer == "" || c.Issuer != c.Subject {
			return nil, fmt.Errorf("%w: iss and sub must both name the agent", jwt.ErrTokenInvalidClaims)
		}
		agentID, err := id.ParseAgentID(c.Subject)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", jwt.ErrTokenInvalidClaims, err)
		}
		rec, ok := v.agents.LookupAgent(agentID)
		if !ok {
			return nil, fmt.Errorf("%w: agent %q", errUnknownKey, agentID)
		}
		key, err := rec.Keys.Lookup(kidOf(t))
		if err != nil {
			return nil, err
		}
		record = rec
		return v.checkKey(t, key)
	})
	if err != nil {
		return Agent{}, failure(classify(err), CredentialAgent, err)
	}

	if claims.IssuedAt == nil {
		return Agent{}, failure(KindInvalidCredential, CredentialAgent, errors.New("iat is required"))
	}
	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if lifetime > v.cfg.MaxAssertionLifetime {
		return Agent{}, failure(KindInvalidCredential, CredentialAgent,
			fmt.Errorf("assertion lifetime %s exceeds %s", lifetime, v.cfg.MaxAssertionLifetime))
	}

	clientID := claims.ClientID
	if clientID == "" {
		clientID = record.ClientID
	}
	return Agent{AgentID: record.ID, DisplayName: record.DisplayName, ClientID: clientID}, nil
}

func (v *Verifier) parser(now time.Time, extra ...jwt.ParserOption) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	}
	return jwt.NewParser(append(opts, extra...)...)
}

// checkKey enforces the algorithm allowlist and that the registered key is of
// the family the token claims. The header's alg never selects a key type.
func (v *Verifier) checkKey(t *jwt.Token, key any) (any, error) {
	alg := t.Method.Alg()
	allowed := false
	for _, a := range v.cfg.Algorithms {
		if a == alg {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", errDisallowedAlg, alg)
	}

	switch t.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		if _, ok := key.(*rsa.PublicKey); ok {
			return key, nil
		}
	case *jwt.SigningMethodECDSA:
		if _, ok := key.(*ecdsa.PublicKey); ok {
			return key, nil
		}
	case *jwt.SigningMethodEd25519:
		if k, ok := key.(ed25519.PublicKey); ok {
			return k, nil
		}
	default:
		return nil, fmt.Errorf("%w: %s", errDisallowedAlg, alg)
	}
	return nil, errKeyMismatch
}

// classify maps a jwt parse error onto a failure kind. Signature problems win
// over expiry because golang-jwt checks the signature before claims.
func classify(err error) FailureKind {
	switch {
	case errors.Is(err, errDisallowedAlg):
		return KindInvalidCredential
	case errors.Is(err, errUnknownKey), errors.Is(err, errKeyMismatch):
		return KindSignatureMismatch
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return KindSignatureMismatch
	case errors.Is(err, jwt.ErrTokenExpired):
		return KindExpiredCredential
	default:
		return KindInvalidCredential
	}
}

func checkShape(raw string) error {
	if raw == "" {
		return errors.New("credential is empty")
	}
	if len(raw) > maxCredentialSize {
		return errors.New("credential too large")
	}
	if strings.Count(raw, ".") != 2 {
		return errors.New("credential is not a compact JWS")
	}
	return nil
}

func kidOf(t *jwt.Token) string {
	kid, _ := t.Header["kid"].(string)
	return kid
}
