package issuance

import "context"

// Router sends targets with their own token endpoint to remote and the rest
// to local.
type Router struct {
	local  Issuer
	remote Issuer
}

func NewRouter(local, remote Issuer) *Router {
	return &Router{local: local, remote: remote}
}

func (r *Router) Issue(ctx context.Context, g Grant) (IssuedToken, error) {
	if g.Target.TokenEndpoint != "" && r.remote != nil {
		return r.remote.Issue(ctx, g)
	}
	return r.local.Issue(ctx, g)
}
