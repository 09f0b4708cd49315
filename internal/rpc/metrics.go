package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's prometheus collectors.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	status   prometheus.Gauge
}

// NewMetrics registers the gateway collectors on reg. A nil registerer gets
// a private registry so tests can build many gateways.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexkit",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "JSON-RPC request attempts by method, outcome and error class.",
		}, []string{"method", "outcome", "class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dexkit",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Latency of individual JSON-RPC request attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dexkit",
			Subsystem: "rpc",
			Name:      "inflight",
			Help:      "JSON-RPC requests currently admitted.",
		}),
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dexkit",
			Subsystem: "rpc",
			Name:      "health_status",
			Help:      "Gateway health: 0 ok, 1 degraded, 2 down.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.inflight, m.status)
	return m
}

func (m *Metrics) observeAttempt(method string, out Outcome, seconds float64) {
	outcome, class := "success", ""
	if out.Kind == OutcomeFault {
		outcome, class = "failure", string(out.Class)
	}
	m.requests.WithLabelValues(method, outcome, class).Inc()
	m.duration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) observeHealth(h Health) {
	switch h.Status {
	case StatusOK:
		m.status.Set(0)
	case StatusDegraded:
		m.status.Set(1)
	default:
		m.status.Set(2)
	}
}
