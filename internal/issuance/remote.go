package issuance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"delegation-broker/pkg/platform/sentinel"
	"delegation-broker/pkg/requestcontext"
)

const (
	GrantTypeJWTBearer   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"
)

type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	IssuedTokenType string `json:"issued_token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	Scope           string `json:"scope"`
}

type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// RemoteIssuer exchanges the turn's ID-JAG at a target's own token endpoint.
// 5xx, 429 and transport failures are ErrUnavailable and may be retried; any
// other non-2xx answer is ErrRejected.
type RemoteIssuer struct {
	client *http.Client
}

func NewRemoteIssuer(client *http.Client) *RemoteIssuer {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &RemoteIssuer{client: client}
}

func (r *RemoteIssuer) Issue(ctx context.Context, g Grant) (IssuedToken, error) {
	if g.Target.TokenEndpoint == "" {
		return IssuedToken{}, fmt.Errorf("target %s has no token endpoint", g.Target.ID)
	}
	form := url.Values{
		"grant_type": {GrantTypeJWTBearer},
		"assertion":  {g.Assertion.Value},
		"scope":      {g.Scopes.String()},
		"audience":   {g.Target.Audience},
		"client_id":  {g.Pair.Agent.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Target.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return IssuedToken{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if rid := requestcontext.RequestID(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("token endpoint %s: %w", g.Target.ID, errors.Join(sentinel.ErrUnavailable, err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return IssuedToken{}, fmt.Errorf("read token response: %w", errors.Join(sentinel.ErrUnavailable, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var oe oauthError
		_ = json.Unmarshal(body, &oe)
		kind := sentinel.ErrRejected
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = sentinel.ErrUnavailable
		}
		return IssuedToken{}, fmt.Errorf("token endpoint %s answered %d %s: %w", g.Target.ID, resp.StatusCode, oe.Error, kind)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return IssuedToken{}, fmt.Errorf("token endpoint %s: malformed response: %w", g.Target.ID, sentinel.ErrRejected)
	}

	now := requestcontext.Now(ctx)
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return IssuedToken{
		Ref:       tokenRef(tr.AccessToken),
		Value:     tr.AccessToken,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// tokenRef prefers the token's jti. Opaque tokens are referenced by a
// truncated digest so the value itself is never logged.
func tokenRef(token string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ID != "" {
		return claims.ID
	}
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:12])
}
