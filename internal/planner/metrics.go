package planner

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	variants *prometheus.CounterVec
	reverts  *prometheus.CounterVec
	submits  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		variants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexkit",
			Subsystem: "planner",
			Name:      "variant_selected_total",
			Help:      "Router variants committed to after gas estimation.",
		}, []string{"method"}),
		reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexkit",
			Subsystem: "planner",
			Name:      "reverts_total",
			Help:      "Simulated reverts by decoded category.",
		}, []string{"category"}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexkit",
			Subsystem: "planner",
			Name:      "submissions_total",
			Help:      "Transactions broadcast by final status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.variants, m.reverts, m.submits)
	return m
}
