package issuance

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Signer is the broker's own signing key.
type Signer struct {
	kid    string
	key    crypto.Signer
	method jwt.SigningMethod
	public jose.JSONWebKey
}

// NewSigner wraps key. An empty kid is replaced by the key's RFC 7638
// thumbprint.
func NewSigner(key crypto.Signer, kid string) (*Signer, error) {
	method, alg, err := methodFor(key)
	if err != nil {
		return nil, err
	}
	pub := jose.JSONWebKey{Key: key.Public(), Algorithm: alg, Use: "sig"}
	if kid == "" {
		tp, err := pub.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("thumbprint signing key: %w", err)
		}
		kid = base64.RawURLEncoding.EncodeToString(tp)
	}
	pub.KeyID = kid
	return &Signer{kid: kid, key: key, method: method, public: pub}, nil
}

// LoadSigner reads a private JWK from path.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if jwk.IsPublic() {
		return nil, fmt.Errorf("signing key %s is a public key", path)
	}
	key, ok := jwk.Key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key type %T cannot sign", jwk.Key)
	}
	return NewSigner(key, jwk.KeyID)
}

// GenerateSigner creates an ephemeral Ed25519 key. Tokens signed with it do
// not survive a restart.
func GenerateSigner() (*Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewSigner(key, "")
}

func methodFor(key crypto.Signer) (jwt.SigningMethod, string, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return jwt.SigningMethodEdDSA, "EdDSA", nil
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, "RS256", nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, "", fmt.Errorf("unsupported ecdsa curve %s", k.Curve.Params().Name)
		}
		return jwt.SigningMethodES256, "ES256", nil
	default:
		return nil, "", fmt.Errorf("unsupported signing key type %T", key)
	}
}

func (s *Signer) KeyID() string { return s.kid }

// PublicJWKS is published so targets can verify broker-signed tokens.
func (s *Signer) PublicJWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.public}}
}

func (s *Signer) sign(typ string, claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(s.method, claims)
	tok.Header["kid"] = s.kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	return tok.SignedString(s.key)
}
