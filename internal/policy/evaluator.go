package policy

import (
	"context"
	"fmt"

	"delegation-broker/internal/identity"
	"delegation-broker/pkg/scope"
)

// Evaluator decides which requested scopes a verified pair may receive.
// It is stateless; all policy data comes from the Store passed per call.
type Evaluator struct{}

func NewEvaluator() *Evaluator { return &Evaluator{} }

// Evaluate computes requested ∩ (union of the user's group grants on the
// target). Unknown targets are a denial, not an error. Only a failing Store
// produces an error.
func (e *Evaluator) Evaluate(ctx context.Context, view Store, pair identity.Pair, req Request) (Decision, error) {
	allowed, known, err := view.Lookup(ctx, pair.User.Groups, req.Target)
	if err != nil {
		return Decision{}, fmt.Errorf("policy lookup for %s: %w", req.Target, err)
	}
	if !known {
		return Decision{Granted: scope.Set{}, Reason: ReasonUnknownTarget}, nil
	}

	granted := req.Scopes.Intersect(allowed)
	switch {
	case granted.IsEmpty():
		return Decision{Granted: scope.Set{}, Reason: ReasonNoMatchingPolicy}, nil
	case granted.Len() == req.Scopes.Len():
		return Decision{Granted: granted, Reason: ReasonFullGrant}, nil
	default:
		return Decision{Granted: granted, Reason: ReasonPartialGrant}, nil
	}
}
