package identity

import (
	"time"

	id "delegation-broker/pkg/domain"
)

// User is the delegator: the person whose authority the agent borrows.
type User struct {
	SubjectID   id.SubjectID `json:"subject_id"`
	DisplayName string       `json:"display_name,omitempty"`
	Email       string       `json:"email,omitempty"`
	Groups      []id.GroupID `json:"groups"`
}

// Agent is the actor performing work on the user's behalf.
type Agent struct {
	AgentID     id.AgentID `json:"agent_id"`
	DisplayName string     `json:"display_name,omitempty"`
	ClientID    string     `json:"client_id,omitempty"`
}

// Pair binds exactly one user and one agent for the duration of a turn.
// Only the Verifier produces a Pair with a non-zero VerifiedAt.
type Pair struct {
	User       User      `json:"user"`
	Agent      Agent     `json:"agent"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Verified reports whether the pair came out of a successful verification.
func (p Pair) Verified() bool {
	return !p.VerifiedAt.IsZero()
}

// InGroup reports whether the user belongs to g.
func (u User) InGroup(g id.GroupID) bool {
	for _, have := range u.Groups {
		if have == g {
			return true
		}
	}
	return false
}
