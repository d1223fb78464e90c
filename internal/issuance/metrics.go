package issuance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	Issued   *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	Retries  *prometheus.CounterVec
	Breakers *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Issued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_issuance_total",
			Help: "Delegated token issuance attempts by target and result",
		}, []string{"target", "result"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_issuance_duration_seconds",
			Help:    "Time to issue one delegated token, including retries",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"target"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_issuance_retries_total",
			Help: "Issuance retries after a transient failure",
		}, []string{"target"}),
		Breakers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_issuance_breaker_state",
			Help: "Circuit breaker state per target (0 closed, 1 half-open, 2 open)",
		}, []string{"target"}),
	}
}

func (m *Metrics) setBreaker(target string, st gobreaker.State) {
	if m == nil {
		return
	}
	m.Breakers.WithLabelValues(target).Set(float64(st))
}
