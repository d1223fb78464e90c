package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrEmitterClosed is returned by Close when called twice.
var ErrEmitterClosed = errors.New("audit emitter closed")

type Metrics struct {
	delivered *prometheus.CounterVec
	dropped   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_audit_events_total",
			Help: "Audit events handed to sinks, by sink and result",
		}, []string{"sink", "result"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_audit_events_dropped_total",
			Help: "Audit events dropped because the emitter buffer was full or closed",
		}),
	}
}

// Delivered exposes one sink/result series.
func (m *Metrics) Delivered(sink, result string) prometheus.Counter {
	return m.delivered.WithLabelValues(sink, result)
}

func (m *Metrics) Dropped() prometheus.Counter { return m.dropped }

// Emitter queues events in a bounded buffer and delivers them to every sink
// from a single background worker, so sinks see events in arrival order.
// Emit never blocks: a full buffer drops the event and logs it.
type Emitter struct {
	sinks    []NamedSink
	queue    chan Event
	attempts uint
	delay    time.Duration
	metrics  *Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool

	workCtx    context.Context
	cancelWork context.CancelFunc
	done       chan struct{}
}

type Option func(*Emitter)

func WithBufferSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan Event, n)
		}
	}
}

func WithRetry(attempts uint, delay time.Duration) Option {
	return func(e *Emitter) {
		if attempts > 0 {
			e.attempts = attempts
		}
		e.delay = delay
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// NewEmitter starts the delivery worker. Call Close to drain and stop it.
func NewEmitter(sinks []NamedSink, opts ...Option) *Emitter {
	e := &Emitter{
		sinks:    sinks,
		queue:    make(chan Event, 1024),
		attempts: 5,
		delay:    100 * time.Millisecond,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.workCtx, e.cancelWork = context.WithCancel(context.Background())
	go e.run()
	return e
}

// Emit queues ev and reports whether it was accepted. ctx is used for
// logging only; delivery never inherits the caller's cancellation.
func (e *Emitter) Emit(ctx context.Context, ev Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(ctx, ev, "emitter closed")
		return false
	}
	select {
	case e.queue <- ev:
		return true
	default:
		e.drop(ctx, ev, "buffer full")
		return false
	}
}

// Close stops accepting events and waits for the queue to drain. If ctx ends
// first, in-flight retries are abandoned and ctx's error is returned.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEmitterClosed
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	select {
	case <-e.done:
		e.cancelWork()
		return nil
	case <-ctx.Done():
		e.cancelWork()
		<-e.done
		return ctx.Err()
	}
}

// Pending reports how many events are waiting for delivery.
func (e *Emitter) Pending() int { return len(e.queue) }

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		for _, s := range e.sinks {
			e.deliver(s, ev)
		}
	}
}

func (e *Emitter) deliver(s NamedSink, ev Event) {
	err := retry.New(
		retry.Context(e.workCtx),
		retry.Attempts(e.attempts),
		retry.Delay(e.delay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		return s.Sink.Append(e.workCtx, ev)
	})
	if e.metrics != nil {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		e.metrics.delivered.WithLabelValues(s.Name, result).Inc()
	}
	if err != nil {
		// The local log is the record of last resort.
		e.logger.Error("audit event not delivered",
			"sink", s.Name,
			"event_id", ev.ID.String(),
			"turn_id", ev.TurnID.String(),
			"target", string(ev.Target.ID),
			"status", string(ev.Status),
			"reason", ev.Reason,
			"subject", string(ev.Subject.ID),
			"actor", string(ev.Actor.ID),
			"error", err,
		)
	}
}

func (e *Emitter) drop(ctx context.Context, ev Event, why string) {
	if e.metrics != nil {
		e.metrics.dropped.Inc()
	}
	e.logger.WarnContext(ctx, "audit event dropped",
		"why", why,
		"event_id", ev.ID.String(),
		"turn_id", ev.TurnID.String(),
		"target", string(ev.Target.ID),
		"status", string(ev.Status),
	)
}
