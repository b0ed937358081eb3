package session

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	requests  *prometheus.CounterVec
	proposals *prometheus.CounterVec
	state     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "signing requests by method and outcome",
		}, []string{"method", "outcome"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "session",
			Name:      "proposals_total",
			Help:      "session proposals by outcome",
		}, []string{"outcome"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keyvault",
			Subsystem: "session",
			Name:      "state",
			Help:      "current authorizer state as its ordinal",
		}),
	}
	reg.MustRegister(m.requests, m.proposals, m.state)
	return m
}

func (m *metrics) request(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *metrics) proposal(outcome string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(outcome).Inc()
}

func (m *metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
