package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"delegation-broker/pkg/platform/circuit"
	"delegation-broker/pkg/platform/sentinel"
)

// Resilient guards an Issuer with a shared rate limit, a circuit breaker per
// target and retries for transient failures. Rejections are final.
type Resilient struct {
	next     Issuer
	limiter  *rate.Limiter
	breakers *circuit.Set
	attempts uint
	delay    time.Duration
	timeout  time.Duration
	metrics  *Metrics
	logger   *slog.Logger
}

type ResilientOption func(*Resilient)

func WithRateLimit(perSecond float64, burst int) ResilientOption {
	return func(r *Resilient) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithRetries(attempts uint, delay time.Duration) ResilientOption {
	return func(r *Resilient) {
		if attempts > 0 {
			r.attempts = attempts
		}
		r.delay = delay
	}
}

// WithAttemptTimeout bounds each single attempt; the caller's deadline still
// bounds the whole call.
func WithAttemptTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) { r.timeout = d }
}

func WithMetrics(m *Metrics) ResilientOption {
	return func(r *Resilient) { r.metrics = m }
}

func WithLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = l }
}

func NewResilient(next Issuer, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		next:     next,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		attempts: 3,
		delay:    50 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breakers = circuit.New(
		circuit.WithFailureThreshold(5),
		circuit.WithSuccessClassifier(func(err error) bool { return err == nil || !isTransient(err) }),
		circuit.WithOnStateChange(func(c circuit.StateChange) {
			r.metrics.setBreaker(c.Name, c.To)
			r.logger.Warn("issuance circuit breaker changed state",
				"target", c.Name,
				"from", c.From.String(),
				"to", c.To.String(),
			)
		}),
	)
	return r
}

func isTransient(err error) bool {
	return errors.Is(err, sentinel.ErrUnavailable)
}

func (r *Resilient) Issue(ctx context.Context, g Grant) (IssuedToken, error) {
	target := string(g.Target.ID)
	start := time.Now()
	tok, err := r.issue(ctx, g)
	if r.metrics != nil {
		r.metrics.Latency.WithLabelValues(target).Observe(time.Since(start).Seconds())
		r.metrics.Issued.WithLabelValues(target, resultLabel(err)).Inc()
	}
	return tok, err
}

func (r *Resilient) issue(ctx context.Context, g Grant) (IssuedToken, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return IssuedToken{}, fmt.Errorf("issuance rate limit: %w", err)
	}

	target := string(g.Target.ID)
	var tok IssuedToken
	_, err := r.breakers.Get(target).Execute(func() (interface{}, error) {
		attempt := 0
		retrier := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.attempts),
			retry.Delay(r.delay),
			retry.LastErrorOnly(true),
			retry.RetryIf(isTransient),
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, retrier.Do(func() error {
			attempt++
			if attempt > 1 && r.metrics != nil {
				r.metrics.Retries.WithLabelValues(target).Inc()
			}
			callCtx, cancel := r.attemptContext(ctx)
			defer cancel()
			var err error
			tok, err = r.next.Issue(callCtx, g)
			return err
		})
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return IssuedToken{}, fmt.Errorf("issuer for %s: %w", target, errors.Join(sentinel.ErrUnavailable, err))
	case err != nil:
		return IssuedToken{}, err
	}
	return tok, nil
}

func (r *Resilient) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "issued"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, sentinel.ErrRejected):
		return "rejected"
	case errors.Is(err, sentinel.ErrUnavailable):
		return "unavailable"
	default:
		return "failed"
	}
}
