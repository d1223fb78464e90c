package identity

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	id "delegation-broker/pkg/domain"
)

// Unverified reads the claimed user and agent ids without checking anything.
// Use it only to attribute audit records for a turn whose verification
// failed; never for authorization. Unparseable inputs yield zero values.
func Unverified(userCredential, agentAssertion string) (User, Agent) {
	var user User
	uc := &userClaims{}
	if peek(userCredential, uc) {
		if sub, err := id.ParseSubjectID(uc.Subject); err == nil {
			user.SubjectID = sub
		}
		user.DisplayName = uc.Name
		user.Email = uc.Email
	}

	var agent Agent
	ac := &agentClaims{}
	if peek(agentAssertion, ac) {
		if aid, err := id.ParseAgentID(ac.Subject); err == nil {
			agent.AgentID = aid
		}
		agent.ClientID = ac.ClientID
	}
	return user, agent
}

func peek(raw string, claims jwt.Claims) bool {
	raw = strings.TrimSpace(raw)
	if checkShape(raw) != nil {
		return false
	}
	_, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	return err == nil
}
