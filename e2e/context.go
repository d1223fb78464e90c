// Package e2e drives a running broker over HTTP with godog scenarios.
// Credentials are minted locally with the dev keys in fixtures/, which the
// broker trusts when started with configs/catalogue.example.yaml and
// configs/keys/idp.jwks.json.
package e2e

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// TestContext holds per-scenario state shared by every step package.
type TestContext struct {
	BaseURL    string
	HTTPClient *http.Client

	issuer   string
	audience string
	agentID  string
	idpKey   jose.JSONWebKey
	agentKey jose.JSONWebKey

	lastStatus int
	lastBody   []byte
	lastJSON   map[string]any
	turnID     string
}

// NewTestContext reads BROKER_URL, IDP_ISSUER and BROKER_AUDIENCE with the
// same defaults as the broker.
func NewTestContext() (*TestContext, error) {
	idpKey, err := loadPrivateJWK("idp.private.jwk.json")
	if err != nil {
		return nil, err
	}
	agentKey, err := loadPrivateJWK("agent.private.jwk.json")
	if err != nil {
		return nil, err
	}
	return &TestContext{
		BaseURL:    envOr("BROKER_URL", "http://localhost:8080"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		issuer:     envOr("IDP_ISSUER", "https://idp.progear.example"),
		audience:   envOr("BROKER_AUDIENCE", "progear-broker"),
		agentID:    envOr("E2E_AGENT_ID", "progear-assistant"),
		idpKey:     idpKey,
		agentKey:   agentKey,
	}, nil
}

// Reset clears response state between scenarios.
func (tc *TestContext) Reset() {
	tc.lastStatus, tc.lastBody, tc.lastJSON, tc.turnID = 0, nil, nil, ""
}

func (tc *TestContext) POST(path string, body any, headers map[string]string) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, tc.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return tc.do(req, headers)
}

func (tc *TestContext) GET(path string, headers map[string]string) error {
	req, err := http.NewRequest(http.MethodGet, tc.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return tc.do(req, headers)
}

func (tc *TestContext) do(req *http.Request, headers map[string]string) error {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	tc.lastJSON = nil
	if len(tc.lastBody) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var m map[string]any
		if err := json.Unmarshal(tc.lastBody, &m); err == nil {
			tc.lastJSON = m
		}
	}
	return nil
}

func (tc *TestContext) GetLastResponseStatus() int  { return tc.lastStatus }
func (tc *TestContext) GetLastResponseBody() []byte { return tc.lastBody }

// GetResponseField returns a top-level field of the last JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	if tc.lastJSON == nil {
		return nil, fmt.Errorf("last response was not a JSON object: %s", tc.lastBody)
	}
	v, ok := tc.lastJSON[field]
	if !ok {
		return nil, fmt.Errorf("field %q not in response: %s", field, tc.lastBody)
	}
	return v, nil
}

func (tc *TestContext) GetTurnID() string       { return tc.turnID }
func (tc *TestContext) SetTurnID(turnID string) { tc.turnID = turnID }

// UserCredential signs an ID token for subject. A negative expiresIn yields
// an already expired credential.
func (tc *TestContext) UserCredential(subject string, groups []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	iat := now.Add(-time.Minute)
	if expiresIn < 0 {
		iat = now.Add(expiresIn - time.Hour)
	}
	claims := jwt.MapClaims{
		"sub":    subject,
		"iss":    tc.issuer,
		"aud":    tc.audience,
		"iat":    iat.Unix(),
		"exp":    now.Add(expiresIn).Unix(),
		"email":  subject + "@progear.example",
		"groups": groups,
	}
	return signEdDSA(claims, tc.idpKey)
}

// AgentAssertion signs a short-lived self-assertion for the registered agent.
func (tc *TestContext) AgentAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": tc.agentID,
		"iss": tc.agentID,
		"aud": tc.audience,
		"iat": now.Add(-5 * time.Second).Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"jti": fmt.Sprintf("%s-%d", tc.agentID, now.UnixNano()),
	}
	return signEdDSA(claims, tc.agentKey)
}

// BrokerKeys fetches the broker's published signing keys.
func (tc *TestContext) BrokerKeys(ctx context.Context) (jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.BaseURL+"/.well-known/jwks.json", nil)
	if err != nil {
		return set, err
	}
	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return set, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&set)
	return set, err
}

func signEdDSA(claims jwt.MapClaims, key jose.JSONWebKey) (string, error) {
	priv, ok := key.Key.(ed25519.PrivateKey)
	if !ok {
		return "", fmt.Errorf("fixture key %s is %T, want Ed25519", key.KeyID, key.Key)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = key.KeyID
	return tok.SignedString(priv)
}

func loadPrivateJWK(name string) (jose.JSONWebKey, error) {
	var jwk jose.JSONWebKey
	data, err := os.ReadFile(filepath.Join("fixtures", name))
	if err != nil {
		return jwk, fmt.Errorf("read fixture %s: %w", name, err)
	}
	if err := json.Unmarshal(data, &jwk); err != nil {
		return jwk, fmt.Errorf("parse fixture %s: %w", name, err)
	}
	return jwk, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
