package resolver

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	paths  *prometheus.CounterVec
	stalls prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		paths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexkit",
			Subsystem: "resolver",
			Name:      "path_total",
			Help:      "Pair reads by acquisition path.",
		}, []string{"path"}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dexkit",
			Subsystem: "resolver",
			Name:      "stalls_total",
			Help:      "Pair queries that ended stalled.",
		}),
	}
	reg.MustRegister(m.paths, m.stalls)
	return m
}
