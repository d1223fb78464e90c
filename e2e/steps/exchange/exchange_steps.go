package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any, headers map[string]string) error
	GET(path string, headers map[string]string) error
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	SetTurnID(turnID string)
	GetTurnID() string
	UserCredential(subject string, groups []string, expiresIn time.Duration) (string, error)
	AgentAssertion() (string, error)
	BrokerKeys(ctx context.Context) (jose.JSONWebKeySet, error)
}

// RegisterSteps registers token exchange step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &exchangeSteps{tc: tc}

	// Arrange
	ctx.Step(`^a user "([^"]*)" in groups "([^"]*)"$`, steps.userInGroups)
	ctx.Step(`^the user's credential has expired$`, steps.credentialExpired)
	ctx.Step(`^the agent requests "([^"]*)" on "([^"]*)"$`, steps.addRequest)

	// Act
	ctx.Step(`^the agent submits the turn$`, steps.submit)
	ctx.Step(`^the agent submits the turn with the credential as a bearer token$`, steps.submitWithBearer)
	ctx.Step(`^I look up the turn$`, steps.lookupTurn)

	// Assert
	ctx.Step(`^the aggregate status should be "([^"]*)"$`, steps.aggregateShouldBe)
	ctx.Step(`^the turn should be (verified|unverified)$`, steps.verifiedShouldBe)
	ctx.Step(`^outcome (\d+) should be "([^"]*)" with reason "([^"]*)"$`, steps.outcomeShouldBe)
	ctx.Step(`^outcome (\d+) should grant "([^"]*)"$`, steps.outcomeShouldGrant)
	ctx.Step(`^outcome (\d+) should carry a broker-signed token for audience "([^"]*)"$`, steps.outcomeTokenForAudience)
	ctx.Step(`^outcome (\d+) should carry no token$`, steps.outcomeHasNoToken)
	ctx.Step(`^no outcome should reveal an access token$`, steps.noAccessTokens)
}

type requestItem struct {
	TargetDomainID string   `json:"target_domain_id"`
	Scopes         []string `json:"scopes"`
}

type outcome struct {
	TargetDomainID string   `json:"target_domain_id"`
	Audience       string   `json:"audience"`
	Status         string   `json:"status"`
	GrantedScopes  []string `json:"granted_scopes"`
	ReasonCode     string   `json:"reason_code"`
	TokenRef       string   `json:"token_ref"`
	AccessToken    string   `json:"access_token"`
}

type turnResponse struct {
	TurnID          string    `json:"turn_id"`
	AggregateStatus string    `json:"aggregate_status"`
	Verified        bool      `json:"verified"`
	Outcomes        []outcome `json:"outcomes"`
}

type exchangeSteps struct {
	tc TestContext

	subject   string
	groups    []string
	expiresIn time.Duration
	requests  []requestItem
	turn      *turnResponse
}

func (s *exchangeSteps) userInGroups(ctx context.Context, subject, groups string) error {
	s.subject = subject
	s.groups = splitList(groups)
	s.expiresIn = time.Hour
	s.requests = nil
	return nil
}

func (s *exchangeSteps) credentialExpired(ctx context.Context) error {
	s.expiresIn = -10 * time.Minute
	return nil
}

func (s *exchangeSteps) addRequest(ctx context.Context, scopes, target string) error {
	s.requests = append(s.requests, requestItem{TargetDomainID: target, Scopes: splitList(scopes)})
	return nil
}

func (s *exchangeSteps) submit(ctx context.Context) error {
	return s.send(false)
}

func (s *exchangeSteps) submitWithBearer(ctx context.Context) error {
	return s.send(true)
}

func (s *exchangeSteps) send(asBearer bool) error {
	user, err := s.tc.UserCredential(s.subject, s.groups, s.expiresIn)
	if err != nil {
		return err
	}
	agent, err := s.tc.AgentAssertion()
	if err != nil {
		return err
	}
	body := map[string]any{
		"agent_assertion": agent,
		"requests":        s.requests,
	}
	var headers map[string]string
	if asBearer {
		headers = map[string]string{"Authorization": "Bearer " + user}
	} else {
		body["user_credential"] = user
	}
	if err := s.tc.POST("/v1/exchange", body, headers); err != nil {
		return err
	}
	return s.decodeTurn()
}

func (s *exchangeSteps) lookupTurn(ctx context.Context) error {
	if err := s.tc.GET("/v1/turns/"+s.tc.GetTurnID(), nil); err != nil {
		return err
	}
	return s.decodeTurn()
}

func (s *exchangeSteps) decodeTurn() error {
	if s.tc.GetLastResponseStatus() != 200 {
		s.turn = nil
		return nil
	}
	var turn turnResponse
	if err := json.Unmarshal(s.tc.GetLastResponseBody(), &turn); err != nil {
		return fmt.Errorf("decode turn: %w", err)
	}
	s.turn = &turn
	s.tc.SetTurnID(turn.TurnID)
	return nil
}

func (s *exchangeSteps) outcome(n int) (outcome, error) {
	if s.turn == nil {
		return outcome{}, fmt.Errorf("no turn in the last response: %s", s.tc.GetLastResponseBody())
	}
	if n < 1 || n > len(s.turn.Outcomes) {
		return outcome{}, fmt.Errorf("turn has %d outcomes, no outcome %d", len(s.turn.Outcomes), n)
	}
	return s.turn.Outcomes[n-1], nil
}

func (s *exchangeSteps) aggregateShouldBe(ctx context.Context, want string) error {
	if s.turn == nil {
		return fmt.Errorf("no turn in the last response: %s", s.tc.GetLastResponseBody())
	}
	if s.turn.AggregateStatus != want {
		return fmt.Errorf("expected aggregate %q, got %q", want, s.turn.AggregateStatus)
	}
	return nil
}

func (s *exchangeSteps) verifiedShouldBe(ctx context.Context, want string) error {
	if s.turn == nil {
		return fmt.Errorf("no turn in the last response")
	}
	if s.turn.Verified != (want == "verified") {
		return fmt.Errorf("expected turn to be %s", want)
	}
	return nil
}

func (s *exchangeSteps) outcomeShouldBe(ctx context.Context, n int, status, reason string) error {
	o, err := s.outcome(n)
	if err != nil {
		return err
	}
	if o.Status != status || o.ReasonCode != reason {
		return fmt.Errorf("outcome %d: expected %s/%s, got %s/%s", n, status, reason, o.Status, o.ReasonCode)
	}
	return nil
}

func (s *exchangeSteps) outcomeShouldGrant(ctx context.Context, n int, scopes string) error {
	o, err := s.outcome(n)
	if err != nil {
		return err
	}
	want := splitList(scopes)
	got := slices.Clone(o.GrantedScopes)
	slices.Sort(want)
	slices.Sort(got)
	if !slices.Equal(want, got) {
		return fmt.Errorf("outcome %d: expected grant %v, got %v", n, want, got)
	}
	return nil
}

// outcomeTokenForAudience verifies the token against the broker's published
// keys, so a passing scenario proves a resource server could accept it.
func (s *exchangeSteps) outcomeTokenForAudience(ctx context.Context, n int, audience string) error {
	o, err := s.outcome(n)
	if err != nil {
		return err
	}
	if o.AccessToken == "" {
		return fmt.Errorf("outcome %d has no access token", n)
	}
	keys, err := s.tc.BrokerKeys(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker keys: %w", err)
	}
	_, err = jwt.Parse(o.AccessToken, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		found := keys.Key(kid)
		if len(found) == 0 {
			return nil, fmt.Errorf("broker does not publish kid %q", kid)
		}
		return found[0].Key, nil
	}, jwt.WithAudience(audience), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("outcome %d token: %w", n, err)
	}
	return nil
}

func (s *exchangeSteps) outcomeHasNoToken(ctx context.Context, n int) error {
	o, err := s.outcome(n)
	if err != nil {
		return err
	}
	if o.AccessToken != "" || o.TokenRef != "" {
		return fmt.Errorf("outcome %d unexpectedly carries a token", n)
	}
	return nil
}

func (s *exchangeSteps) noAccessTokens(ctx context.Context) error {
	if s.turn == nil {
		return fmt.Errorf("no turn in the last response")
	}
	for i, o := range s.turn.Outcomes {
		if o.AccessToken != "" {
			return fmt.Errorf("outcome %d reveals its access token", i+1)
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
