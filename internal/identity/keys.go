package identity

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-jose/go-jose/v4"

	id "delegation-broker/pkg/domain"
)

var errUnknownKey = errors.New("no registered key")

// KeySet holds the public keys trusted for one signer.
type KeySet struct {
	keys []jose.JSONWebKey
}

// NewKeySet builds a key set from already-parsed JWKs.
func NewKeySet(keys ...jose.JSONWebKey) (*KeySet, error) {
	for i, k := range keys {
		if !k.Valid() {
			return nil, fmt.Errorf("key %d (%q) is not a valid JWK", i, k.KeyID)
		}
		if !k.IsPublic() {
			return nil, fmt.Errorf("key %d (%q) must be a public key", i, k.KeyID)
		}
	}
	return &KeySet{keys: keys}, nil
}

// ParseJWKS reads a JSON Web Key Set document.
func ParseJWKS(data []byte) (*KeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	return NewKeySet(set.Keys...)
}

// LoadJWKS reads a JWKS file from disk.
func LoadJWKS(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwks %s: %w", path, err)
	}
	return ParseJWKS(data)
}

// Lookup returns the key for kid. An empty kid resolves only when the set
// holds exactly one key.
func (s *KeySet) Lookup(kid string) (crypto.PublicKey, error) {
	if s == nil {
		return nil, errUnknownKey
	}
	if kid == "" {
		if len(s.keys) == 1 {
			return s.keys[0].Key, nil
		}
		return nil, fmt.Errorf("%w: kid required", errUnknownKey)
	}
	for _, k := range s.keys {
		if k.KeyID == kid {
			return k.Key, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q", errUnknownKey, kid)
}

// Len reports the number of keys.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// AgentRecord is a registered agent and its verification keys.
type AgentRecord struct {
	ID          id.AgentID
	DisplayName string
	ClientID    string
	Keys        *KeySet
}

// AgentRegistry resolves agent ids to their registration.
type AgentRegistry interface {
	LookupAgent(agentID id.AgentID) (AgentRecord, bool)
}

// MemoryAgentRegistry is an AgentRegistry whose contents can be swapped
// atomically when the catalogue reloads.
type MemoryAgentRegistry struct {
	agents atomic.Pointer[map[id.AgentID]AgentRecord]
}

func NewMemoryAgentRegistry(records ...AgentRecord) *MemoryAgentRegistry {
	r := &MemoryAgentRegistry{}
	r.Replace(records)
	return r
}

func (r *MemoryAgentRegistry) LookupAgent(agentID id.AgentID) (AgentRecord, bool) {
	m := r.agents.Load()
	if m == nil {
		return AgentRecord{}, false
	}
	rec, ok := (*m)[agentID]
	return rec, ok
}

// Replace installs a new set of agents.
func (r *MemoryAgentRegistry) Replace(records []AgentRecord) {
	m := make(map[id.AgentID]AgentRecord, len(records))
	for _, rec := range records {
		m[rec.ID] = rec
	}
	r.agents.Store(&m)
}
