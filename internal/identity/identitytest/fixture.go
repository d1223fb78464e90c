// Package identitytest mints signed credentials for tests of packages that
// sit above the verifier.
package identitytest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"delegation-broker/internal/identity"
	id "delegation-broker/pkg/domain"
)

const (
	Issuer   = "https://idp.progear.example"
	Audience = "progear-broker"
	UserKID  = "idp-2026-01"
	AgentKID = "agent-key-1"
	AgentID  = "progear-sales-agent"
	ClientID = "progear-sales-agent-client"
)

// Keys are expensive to generate; share one set per test binary.
var keys = sync.OnceValue(func() keyMaterial {
	idp, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	_, agent, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	_, foreign, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return keyMaterial{idp: idp, agent: agent, foreign: foreign}
})

type keyMaterial struct {
	idp     *rsa.PrivateKey
	agent   ed25519.PrivateKey
	foreign ed25519.PrivateKey
}

// UserToken describes a user ID token to mint.
type UserToken struct {
	Subject  string
	Name     string
	Email    string
	Groups   []string
	Issuer   string
	Audience string
	KID      string
	IssuedAt time.Time
	Expires  time.Time
	NoExpiry bool
	// Foreign signs with a key the verifier does not trust.
	Foreign bool
}

// AgentToken describes an agent assertion to mint.
type AgentToken struct {
	Subject  string
	Issuer   string
	Audience string
	KID      string
	IssuedAt time.Time
	Expires  time.Time
	Foreign  bool
	// HS256Secret switches signing to HMAC, which the verifier must refuse.
	HS256Secret []byte
}

// Fixture bundles trusted keys, an agent registry and a fixed clock.
type Fixture struct {
	Now      time.Time
	UserKeys *identity.KeySet
	Agents   *identity.MemoryAgentRegistry
	Config   identity.Config
	keys     keyMaterial
}

// New builds a fixture whose clock is now.
func New(t testing.TB, now time.Time) *Fixture {
	t.Helper()
	k := keys()

	userKeys, err := identity.NewKeySet(jose.JSONWebKey{
		Key: &k.idp.PublicKey, KeyID: UserKID, Algorithm: "RS256", Use: "sig",
	})
	if err != nil {
		t.Fatalf("user key set: %v", err)
	}
	agentKeys, err := identity.NewKeySet(jose.JSONWebKey{
		Key: k.agent.Public(), KeyID: AgentKID, Algorithm: "EdDSA", Use: "sig",
	})
	if err != nil {
		t.Fatalf("agent key set: %v", err)
	}

	return &Fixture{
		Now:      now,
		UserKeys: userKeys,
		Agents: identity.NewMemoryAgentRegistry(identity.AgentRecord{
			ID:          id.AgentID(AgentID),
			DisplayName: "ProGear Sales Agent",
			ClientID:    ClientID,
			Keys:        agentKeys,
		}),
		Config: identity.Config{
			Issuer:               Issuer,
			Audience:             Audience,
			ClockSkew:            30 * time.Second,
			MaxAssertionLifetime: 5 * time.Minute,
		},
		keys: k,
	}
}

// Verifier returns a verifier trusting the fixture's keys.
func (f *Fixture) Verifier() *identity.Verifier {
	return identity.NewVerifier(f.Config, f.UserKeys, f.Agents)
}

// AgentJWK returns the agent's public key as a JWK, for catalogue tests.
func (f *Fixture) AgentJWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: f.keys.agent.Public(), KeyID: AgentKID, Algorithm: "EdDSA", Use: "sig"}
}

// UserJWK returns the identity provider's public key as a JWK.
func (f *Fixture) UserJWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &f.keys.idp.PublicKey, KeyID: UserKID, Algorithm: "RS256", Use: "sig"}
}

// SalesUser is the default user: a member of ProGear-Sales.
func (f *Fixture) SalesUser() UserToken {
	return UserToken{
		Subject:  "00u-sarah-sales",
		Name:     "Sarah Sales",
		Email:    "sarah@progear.example",
		Groups:   []string{"ProGear-Sales"},
		Issuer:   Issuer,
		Audience: Audience,
		KID:      UserKID,
		IssuedAt: f.Now.Add(-time.Minute),
		Expires:  f.Now.Add(time.Hour),
	}
}

// Agent is the default, correctly registered agent assertion.
func (f *Fixture) Agent() AgentToken {
	return AgentToken{
		Subject:  AgentID,
		Issuer:   AgentID,
		Audience: Audience,
		KID:      AgentKID,
		IssuedAt: f.Now.Add(-10 * time.Second),
		Expires:  f.Now.Add(2 * time.Minute),
	}
}

// UserCredential signs u.
func (f *Fixture) UserCredential(t testing.TB, u UserToken) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": u.Subject,
		"iss": u.Issuer,
		"aud": u.Audience,
		"iat": u.IssuedAt.Unix(),
	}
	if !u.NoExpiry {
		claims["exp"] = u.Expires.Unix()
	}
	if u.Name != "" {
		claims["name"] = u.Name
	}
	if u.Email != "" {
		claims["email"] = u.Email
	}
	if u.Groups != nil {
		claims["groups"] = u.Groups
	}

	if u.Foreign {
		tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		tok.Header["kid"] = u.KID
		return sign(t, tok, f.keys.foreign)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = u.KID
	return sign(t, tok, f.keys.idp)
}

// AgentAssertion signs a.
func (f *Fixture) AgentAssertion(t testing.TB, a AgentToken) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": a.Subject,
		"iss": a.Issuer,
		"aud": a.Audience,
		"iat": a.IssuedAt.Unix(),
		"exp": a.Expires.Unix(),
		"jti": a.Subject + "-" + a.IssuedAt.Format(time.RFC3339Nano),
	}
	if a.HS256Secret != nil {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tok.Header["kid"] = a.KID
		return sign(t, tok, a.HS256Secret)
	}
	key := f.keys.agent
	if a.Foreign {
		key = f.keys.foreign
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = a.KID
	return sign(t, tok, key)
}

// Credentials returns a valid (user credential, agent assertion) pair for u.
func (f *Fixture) Credentials(t testing.TB, u UserToken) (string, string) {
	t.Helper()
	return f.UserCredential(t, u), f.AgentAssertion(t, f.Agent())
}

func sign(t testing.TB, tok *jwt.Token, key any) string {
	t.Helper()
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign credential: %v", err)
	}
	return s
}
