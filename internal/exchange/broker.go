package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"delegation-broker/internal/identity"
	"delegation-broker/internal/issuance"
	"delegation-broker/internal/policy"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/requestcontext"
	"delegation-broker/pkg/scope"
)

// Verifier checks the user credential and agent assertion.
type Verifier interface {
	Verify(ctx context.Context, userCredential, agentAssertion string) (identity.Pair, error)
}

// Evaluator decides grants against a pinned policy view.
type Evaluator interface {
	Evaluate(ctx context.Context, view policy.Store, pair identity.Pair, req policy.Request) (policy.Decision, error)
}

// Snapshots yields the policy snapshot in force.
type Snapshots interface {
	Current() *policy.Snapshot
}

// Minter produces the per-turn identity assertion grant.
type Minter interface {
	Mint(ctx context.Context, pair identity.Pair, turnID id.TurnID) (issuance.Assertion, error)
}

// Broker runs one turn: verify once, then evaluate and issue per target in
// parallel.
type Broker struct {
	verifier    Verifier
	evaluator   Evaluator
	snapshots   Snapshots
	minter      Minter
	issuer      issuance.Issuer
	maxParallel int
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

type Option func(*Broker)

// WithMaxParallel caps concurrent units per turn.
func WithMaxParallel(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxParallel = n
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) { b.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func New(verifier Verifier, evaluator Evaluator, snapshots Snapshots, minter Minter, issuer issuance.Issuer, opts ...Option) (*Broker, error) {
	switch {
	case verifier == nil:
		return nil, errors.New("verifier is required")
	case evaluator == nil:
		return nil, errors.New("evaluator is required")
	case snapshots == nil:
		return nil, errors.New("policy snapshots are required")
	case minter == nil:
		return nil, errors.New("assertion minter is required")
	case issuer == nil:
		return nil, errors.New("issuer is required")
	}
	b := &Broker{
		verifier:    verifier,
		evaluator:   evaluator,
		snapshots:   snapshots,
		minter:      minter,
		issuer:      issuer,
		maxParallel: 8,
		tracer:      otel.Tracer("delegation-broker/exchange"),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Exchange verifies the credentials and resolves every request into rec.
// A verification failure resolves all requests to Error with the failure
// kind as reason and is returned. Exchange returns when every unit has
// resolved or ctx is done, whichever is first; units still running after
// that observe ctx, and any late result they produce still goes to rec.
func (b *Broker) Exchange(ctx context.Context, in Input, rec Recorder) (identity.Pair, error) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "exchange.turn", trace.WithAttributes(
		attribute.String("turn.id", in.TurnID.String()),
		attribute.Int("turn.requests", len(in.Requests)),
	))
	defer span.End()

	// One snapshot for the whole turn.
	snap := in.Snapshot
	if snap == nil {
		snap = b.snapshots.Current()
	}

	pair, err := b.verifier.Verify(ctx, in.UserCredential, in.AgentAssertion)
	if err != nil {
		kind, ok := identity.KindOf(err)
		if !ok {
			kind = identity.KindInvalidCredential
		}
		b.metrics.verificationFailed(string(kind))
		span.SetStatus(codes.Error, string(kind))
		b.logger.InfoContext(ctx, "credential verification failed",
			"turn_id", in.TurnID.String(),
			"request_id", requestcontext.RequestID(ctx),
			"kind", string(kind),
			"error", err,
		)
		now := requestcontext.Now(ctx)
		for i, req := range in.Requests {
			rec.Resolve(i, ErrorOutcome(snap, req, Reason(kind), now))
		}
		return identity.Pair{}, err
	}
	span.SetAttributes(
		attribute.String("user.sub", string(pair.User.SubjectID)),
		attribute.String("agent.id", string(pair.Agent.AgentID)),
	)

	assertion := sync.OnceValues(func() (issuance.Assertion, error) {
		return b.minter.Mint(ctx, pair, in.TurnID)
	})

	g := new(errgroup.Group)
	g.SetLimit(b.maxParallel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, req := range in.Requests {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				unitStart := time.Now()
				o := b.unit(ctx, snap, pair, in.TurnID, assertion, req)
				b.metrics.observeOutcome(o, time.Since(unitStart))
				rec.Resolve(i, o)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		span.AddEvent("turn interrupted", trace.WithAttributes(attribute.String("reason", string(InterruptReason(ctx.Err())))))
	}
	b.metrics.observeTurn(time.Since(start))
	return pair, nil
}

func (b *Broker) unit(
	ctx context.Context,
	snap *policy.Snapshot,
	pair identity.Pair,
	turnID id.TurnID,
	assertion func() (issuance.Assertion, error),
	req ScopeRequest,
) Outcome {
	ctx, span := b.tracer.Start(ctx, "exchange.target", trace.WithAttributes(
		attribute.String("target.id", string(req.Target)),
		attribute.StringSlice("scopes.requested", req.Scopes.Values()),
	))
	defer span.End()

	out := Outcome{Target: req.Target, Requested: req.Scopes, Granted: scope.Set{}}
	out.describe(snap)
	resolve := func(status Status, reason Reason) Outcome {
		out.Status, out.Reason = status, reason
		out.ResolvedAt = requestcontext.Now(ctx)
		span.SetAttributes(attribute.String("outcome.status", string(status)), attribute.String("outcome.reason", string(reason)))
		return out
	}

	decision, err := b.evaluator.Evaluate(ctx, snap, pair, policy.Request{Target: req.Target, Scopes: req.Scopes})
	if err != nil && ctx.Err() != nil {
		return resolve(StatusError, InterruptReason(ctx.Err()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "policy lookup failed")
		b.logger.WarnContext(ctx, "policy evaluation failed",
			"turn_id", turnID.String(),
			"target", string(req.Target),
			"error", err,
		)
		return resolve(StatusError, ReasonPolicyUnavailable)
	}
	if decision.Reason.IsDenial() || decision.Granted.IsEmpty() {
		return resolve(StatusDenied, Reason(decision.Reason))
	}

	target, _ := snap.Target(req.Target)
	grant, err := assertion()
	if err == nil {
		var tok issuance.IssuedToken
		tok, err = b.issuer.Issue(ctx, issuance.Grant{
			Assertion: grant,
			Pair:      pair,
			Target:    target,
			Scopes:    decision.Granted,
			TurnID:    turnID,
		})
		if err == nil {
			out.Granted = decision.Granted
			out.Token = &tok
			return resolve(statusFor(decision.Reason), Reason(decision.Reason))
		}
	}
	if ctx.Err() != nil {
		return resolve(StatusError, InterruptReason(ctx.Err()))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "issuance failed")
	b.logger.WarnContext(ctx, "token issuance failed",
		"turn_id", turnID.String(),
		"target", string(req.Target),
		"granted", decision.Granted.String(),
		"error", err,
	)
	return resolve(StatusError, ReasonIssuanceFailed)
}
