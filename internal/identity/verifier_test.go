package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"delegation-broker/internal/identity"
	"delegation-broker/internal/identity/identitytest"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/requestcontext"
	"delegation-broker/pkg/testutil"
)

type VerifierSuite struct {
	suite.Suite
	fx       *identitytest.Fixture
	verifier *identity.Verifier
	ctx      context.Context
}

func TestVerifierSuite(t *testing.T) {
	suite.Run(t, new(VerifierSuite))
}

func (s *VerifierSuite) SetupTest() {
	s.fx = identitytest.New(s.T(), testutil.FixedNow)
	s.verifier = s.fx.Verifier()
	s.ctx = requestcontext.WithTime(context.Background(), testutil.FixedNow)
}

func (s *VerifierSuite) verify(user identitytest.UserToken, agent identitytest.AgentToken) (identity.Pair, error) {
	return s.verifier.Verify(s.ctx,
		s.fx.UserCredential(s.T(), user),
		s.fx.AgentAssertion(s.T(), agent))
}

func (s *VerifierSuite) requireKind(err error, kind identity.FailureKind, cred identity.Credential) {
	s.T().Helper()
	var ve *identity.VerificationError
	s.Require().ErrorAs(err, &ve)
	s.Equal(kind, ve.Kind)
	s.Equal(cred, ve.Credential)
}

func (s *VerifierSuite) TestValidPair() {
	pair, err := s.verify(s.fx.SalesUser(), s.fx.Agent())
	s.Require().NoError(err)

	s.Equal(id.SubjectID("00u-sarah-sales"), pair.User.SubjectID)
	s.Equal("Sarah Sales", pair.User.DisplayName)
	s.Equal("sarah@progear.example", pair.User.Email)
	s.Equal([]id.GroupID{"ProGear-Sales"}, pair.User.Groups)
	s.Equal(id.AgentID(identitytest.AgentID), pair.Agent.AgentID)
	s.Equal(identitytest.ClientID, pair.Agent.ClientID)
	s.Equal(testutil.FixedNow, pair.VerifiedAt)
	s.True(pair.Verified())
}

func (s *VerifierSuite) TestUserCredentialFailures() {
	s.Run("expired beyond clock skew", func() {
		u := s.fx.SalesUser()
		u.Expires = testutil.FixedNow.Add(-time.Minute)
		_, err := s.verify(u, s.fx.Agent())
		s.requireKind(err, identity.KindExpiredCredential, identity.CredentialUser)
	})

	s.Run("expired within clock skew is accepted", func() {
		u := s.fx.SalesUser()
		u.Expires = testutil.FixedNow.Add(-10 * time.Second)
		_, err := s.verify(u, s.fx.Agent())
		s.NoError(err)
	})

	s.Run("signed by untrusted key", func() {
		u := s.fx.SalesUser()
		u.Foreign = true
		_, err := s.verify(u, s.fx.Agent())
		s.requireKind(err, identity.KindSignatureMismatch, identity.CredentialUser)
	})

	s.Run("unknown kid", func() {
		u := s.fx.SalesUser()
		u.KID = "rotated-away"
		_, err := s.verify(u, s.fx.Agent())
		s.requireKind(err, identity.KindSignatureMismatch, identity.CredentialUser)
	})

	s.Run("wrong issuer", func() {
		u := s.fx.SalesUser()
		u.Issuer = "https://evil.example"
		_, err := s.verify(u, s.fx.Agent())
		s.requireKind(err, identity.KindInvalidCredential, identity.CredentialUser)
	})

	s.Run("wrong audience", func() {
		u := s.fx.SalesUser()
		u.Audience = "some-other-app"
		_, err := s.verify(u, s.fx.Agent())
		s.requireKind(err, identity.KindInvalidCredential, identity.CredentialUser)
	})

	s.Run("missing exp", func() {
		u := s.fx.SalesUser()
		u.NoExpiry = true
		_, err := s.verify(u, s.fx.Agent())
		s.requireKind(err, identity.KindInvalidCredential, identity.CredentialUser)
	})

	s.Run("missing subject", func() {
		u := s.fx.SalesUser()
		u.Subject = ""
		_, err := s.verify(u, s.fx.Agent())
		s.requireKind(err, identity.KindInvalidCredential, identity.CredentialUser)
	})

	s.Run("malformed", func() {
		_, err := s.verifier.Verify(s.ctx, "not-a-jwt", s.fx.AgentAssertion(s.T(), s.fx.Agent()))
		s.requireKind(err, identity.KindInvalidCredential, identity.CredentialUser)
	})

	s.Run("empty", func() {
		_, err := s.verifier.Verify(s.ctx, "", s.fx.AgentAssertion(s.T(), s.fx.Agent()))
		s.requireKind(err, identity.KindInvalidCredential, identity.CredentialUser)
	})
}

func (s *VerifierSuite) TestAgentAssertionFailures() {
	s.Run("signed by a key not registered for the agent", func() {
		a := s.fx.Agent()
		a.Foreign = true
		_, err := s.verify(s.fx.SalesUser(), a)
		s.requireKind(err, identity.KindSignatureMismatch, identity.CredentialAgent)
	})

	s.Run("unregistered agent id", func() {
		a := s.fx.Agent()
		a.Subject, a.Issuer = "rogue-agent", "rogue-agent"
		_, err := s.verify(s.fx.SalesUser(), a)
		s.requireKind(err, identity.KindSignatureMismatch, identity.CredentialAgent)
	})

	s.Run("expired", func() {
		a := s.fx.Agent()
		a.IssuedAt = testutil.FixedNow.Add(-5 * time.Minute)
		a.Expires = testutil.FixedNow.Add(-2 * time.Minute)
		_, err := s.verify(s.fx.SalesUser(), a)
		s.requireKind(err, identity.KindExpiredCredential, identity.CredentialAgent)
	})

	s.Run("issuer differs from subject", func() {
		a := s.fx.Agent()
		a.Issuer = "someone-else"
		_, err := s.verify(s.fx.SalesUser(), a)
		s.requireKind(err, identity.KindInvalidCredential, identity.CredentialAgent)
	})

	s.Run("lifetime above cap", func() {
		a := s.fx.Agent()
		a.Expires = a.IssuedAt.Add(time.Hour)
		_, err := s.verify(s.fx.SalesUser(), a)
		s.requireKind(err, identity.KindInvalidCredential, identity.CredentialAgent)
	})

	s.Run("symmetric algorithm refused", func() {
		a := s.fx.Agent()
		a.HS256Secret = []byte("shared-secret-shared-secret-1234")
		_, err := s.verify(s.fx.SalesUser(), a)
		s.requireKind(err, identity.KindInvalidCredential, identity.CredentialAgent)
	})
}

// Same inputs and same clock give the same answer.
func (s *VerifierSuite) TestDeterministic() {
	u := s.fx.SalesUser()
	u.Expires = testutil.FixedNow.Add(-time.Hour)
	userCred := s.fx.UserCredential(s.T(), u)
	agentCred := s.fx.AgentAssertion(s.T(), s.fx.Agent())

	for range 3 {
		_, err := s.verifier.Verify(s.ctx, userCred, agentCred)
		kind, ok := identity.KindOf(err)
		s.Require().True(ok)
		s.Equal(identity.KindExpiredCredential, kind)
	}
}

func TestUnverified(t *testing.T) {
	fx := identitytest.New(t, testutil.FixedNow)
	u := fx.SalesUser()
	u.Foreign = true

	user, agent := identity.Unverified(fx.UserCredential(t, u), fx.AgentAssertion(t, fx.Agent()))

	assert.Equal(t, id.SubjectID("00u-sarah-sales"), user.SubjectID)
	assert.Equal(t, id.AgentID(identitytest.AgentID), agent.AgentID)

	user, agent = identity.Unverified("garbage", "")
	assert.Empty(t, user.SubjectID)
	assert.Empty(t, agent.AgentID)
}

func TestParseJWKS(t *testing.T) {
	fx := identitytest.New(t, testutil.FixedNow)

	t.Run("rejects private keys", func(t *testing.T) {
		_, err := identity.ParseJWKS([]byte(`{"keys":[{"kty":"oct","k":"c2VjcmV0"}]}`))
		require.Error(t, err)
	})

	t.Run("kid lookup", func(t *testing.T) {
		set, err := identity.NewKeySet(fx.UserJWK(), fx.AgentJWK())
		require.NoError(t, err)

		_, err = set.Lookup(identitytest.AgentKID)
		require.NoError(t, err)
		_, err = set.Lookup("")
		require.Error(t, err, "empty kid is ambiguous with two keys")
	})
}

func TestAsDomainError(t *testing.T) {
	err := &identity.VerificationError{Kind: identity.KindExpiredCredential, Credential: identity.CredentialUser}
	assert.ErrorContains(t, identity.AsDomainError(err), "ExpiredCredential")
}
