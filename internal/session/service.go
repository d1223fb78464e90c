package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"delegation-broker/internal/audit"
	"delegation-broker/internal/exchange"
	"delegation-broker/internal/identity"
	"delegation-broker/internal/policy"
	id "delegation-broker/pkg/domain"
	dErrors "delegation-broker/pkg/domain-errors"
	"delegation-broker/pkg/requestcontext"
	"delegation-broker/pkg/scope"
)

// Exchanger runs the broker for one turn.
type Exchanger interface {
	Exchange(ctx context.Context, in exchange.Input, rec exchange.Recorder) (identity.Pair, error)
}

// Emitter accepts audit events without blocking.
type Emitter interface {
	Emit(ctx context.Context, ev audit.Event) bool
}

type Snapshots interface {
	Current() *policy.Snapshot
}

// Request is the inbound shape from the upstream router.
type Request struct {
	UserCredential string
	AgentAssertion string
	Requests       []RequestItem
	// Timeout overrides the default turn deadline. It is capped by the
	// service's maximum.
	Timeout time.Duration
}

type RequestItem struct {
	Target string
	Scopes []string
}

type Metrics struct {
	turns      *prometheus.CounterVec
	lateGrants prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		turns: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "broker_turns_total",
			Help: "Sealed turns by aggregate status and seal reason",
		}, []string{"aggregate", "sealed_by"}),
		lateGrants: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "broker_late_grants_total",
			Help: "Tokens issued after their turn was sealed",
		}),
	}
}

// LateGrants counts tokens audited after their turn was sealed.
func (m *Metrics) LateGrants() prometheus.Counter { return m.lateGrants }

// Turns exposes one aggregate/sealed_by series.
func (m *Metrics) Turns(aggregate Aggregate, sealedBy string) prometheus.Counter {
	return m.turns.WithLabelValues(string(aggregate), sealedBy)
}

// Service orchestrates turns.
type Service struct {
	exchanger   Exchanger
	snapshots   Snapshots
	emitter     Emitter
	turns       TurnStore
	timeout     time.Duration
	maxTimeout  time.Duration
	maxRequests int
	now         func() time.Time
	metrics     *Metrics
	logger      *slog.Logger
}

type Option func(*Service)

// WithTimeouts sets the default turn deadline and the cap applied to
// per-request overrides.
func WithTimeouts(def, ceiling time.Duration) Option {
	return func(s *Service) {
		if def > 0 {
			s.timeout = def
		}
		if ceiling > 0 {
			s.maxTimeout = ceiling
		}
	}
}

func WithMaxRequests(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRequests = n
		}
	}
}

func WithTurnStore(store TurnStore) Option {
	return func(s *Service) { s.turns = store }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(exchanger Exchanger, snapshots Snapshots, emitter Emitter, opts ...Option) (*Service, error) {
	switch {
	case exchanger == nil:
		return nil, errors.New("exchanger is required")
	case snapshots == nil:
		return nil, errors.New("policy snapshots are required")
	case emitter == nil:
		return nil, errors.New("audit emitter is required")
	}
	s := &Service{
		exchanger:   exchanger,
		snapshots:   snapshots,
		emitter:     emitter,
		turns:       NewMemoryTurnStore(1000),
		timeout:     5 * time.Second,
		maxTimeout:  30 * time.Second,
		maxRequests: 16,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxTimeout < s.timeout {
		s.maxTimeout = s.timeout
	}
	return s, nil
}

// Run executes one turn and returns it sealed. Only a malformed request is
// an error; credential failures, denials, timeouts and cancellation all come
// back as a complete result.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	requests, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	createdAt := requestcontext.Now(ctx)
	snap := s.snapshots.Current()
	turn := NewTurn(id.NewTurnID(), requestcontext.RequestID(ctx), snap, requests, createdAt)
	ctx = requestcontext.WithTurnID(ctx, turn.ID())
	// Audit and history must survive the caller going away.
	detached := context.WithoutCancel(ctx)
	turn.OnLateGrant(func(sealed *Result, o exchange.Outcome) {
		s.auditLateGrant(detached, sealed, o)
	})

	timeout := s.deadlineFor(req.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	turn.Await(createdAt.Add(timeout))

	principals := Principals{PolicyVersion: snap.Version()}
	pair, verifyErr := s.exchanger.Exchange(runCtx, exchange.Input{
		TurnID:         turn.ID(),
		UserCredential: req.UserCredential,
		AgentAssertion: req.AgentAssertion,
		Requests:       requests,
		Snapshot:       snap,
	}, turn)
	if verifyErr != nil {
		principals.User, principals.Agent = identity.Unverified(req.UserCredential, req.AgentAssertion)
	} else {
		principals.User, principals.Agent, principals.Verified = pair.User, pair.Agent, true
	}

	sealedBy := "completed"
	reason := exchange.ReasonCancelled
	if runCtx.Err() != nil {
		reason = exchange.InterruptReason(runCtx.Err())
		sealedBy = string(reason)
	}
	result := turn.Seal(reason, principals, s.now().UTC())

	s.audit(detached, result)
	if err := s.turns.Save(detached, result); err != nil {
		s.logger.WarnContext(detached, "turn history write failed",
			"turn_id", result.TurnID.String(),
			"error", err,
		)
	}
	if s.metrics != nil {
		s.metrics.turns.WithLabelValues(string(result.Aggregate), sealedBy).Inc()
	}
	s.logger.InfoContext(detached, "turn sealed",
		"turn_id", result.TurnID.String(),
		"request_id", result.RequestID,
		"aggregate", string(result.Aggregate),
		"sealed_by", sealedBy,
		"targets", len(result.Outcomes),
		"verified", result.Verified,
		"policy_version", result.PolicyVersion,
	)
	return result, nil
}

// Turn looks up a sealed turn in the history.
func (s *Service) Turn(ctx context.Context, turnID id.TurnID) (*Result, error) {
	return s.turns.Get(ctx, turnID)
}

func (s *Service) audit(ctx context.Context, result *Result) {
	view := viewOf(result)
	for _, o := range result.Outcomes {
		s.emitter.Emit(ctx, audit.NewEvent(view, o))
	}
}

// auditLateGrant records a token whose unit finished after the turn was
// sealed. The sealed turn keeps its error outcome; the audit trail gets the
// token.
func (s *Service) auditLateGrant(ctx context.Context, sealed *Result, o exchange.Outcome) {
	s.logger.WarnContext(ctx, "grant resolved after turn sealed",
		"turn_id", sealed.TurnID.String(),
		"request_id", sealed.RequestID,
		"target", string(o.Target),
		"token_ref", o.Token.Ref,
	)
	s.emitter.Emit(ctx, audit.NewLateGrantEvent(viewOf(sealed), o))
	if s.metrics != nil {
		s.metrics.lateGrants.Inc()
	}
}

func viewOf(result *Result) audit.TurnView {
	return audit.TurnView{
		TurnID:        result.TurnID,
		RequestID:     result.RequestID,
		User:          result.User,
		Agent:         result.Agent,
		Verified:      result.Verified,
		PolicyVersion: result.PolicyVersion,
		SealedAt:      result.SealedAt,
	}
}

func (s *Service) deadlineFor(override time.Duration) time.Duration {
	if override <= 0 {
		return s.timeout
	}
	return min(override, s.maxTimeout)
}

func (s *Service) validate(req Request) ([]exchange.ScopeRequest, error) {
	if strings.TrimSpace(req.UserCredential) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "user credential is required")
	}
	if strings.TrimSpace(req.AgentAssertion) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "agent assertion is required")
	}
	if len(req.Requests) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one scope request is required")
	}
	if len(req.Requests) > s.maxRequests {
		return nil, dErrors.Newf(dErrors.CodeValidation, "at most %d scope requests per turn", s.maxRequests)
	}
	if req.Timeout < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "timeout must not be negative")
	}
	out := make([]exchange.ScopeRequest, len(req.Requests))
	for i, item := range req.Requests {
		target, err := id.ParseTargetID(item.Target)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("requests[%d]: invalid target_domain_id", i))
		}
		out[i] = exchange.ScopeRequest{Target: target, Scopes: scope.New(item.Scopes...)}
	}
	return out, nil
}
