package exchange

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	outcomes      *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec
	turnDuration  prometheus.Histogram
	verifyFailure *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_exchange_outcomes_total",
			Help: "Per-target exchange outcomes by target and status",
		}, []string{"target", "status"}),
		unitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_exchange_unit_duration_seconds",
			Help:    "Time to evaluate policy and issue a token for one target",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"target"}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_exchange_turn_duration_seconds",
			Help:    "Time from verification to the last unit finishing",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		verifyFailure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_exchange_verification_failures_total",
			Help: "Turns refused at credential verification, by failure kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) observeOutcome(o Outcome, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o.Target), string(o.Status)).Inc()
	m.unitDuration.WithLabelValues(string(o.Target)).Observe(took.Seconds())
}

func (m *Metrics) observeTurn(took time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.Observe(took.Seconds())
}

func (m *Metrics) verificationFailed(kind string) {
	if m == nil {
		return
	}
	m.verifyFailure.WithLabelValues(kind).Inc()
}
