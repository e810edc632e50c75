package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics holds Prometheus metrics for cross-instance broadcast relay.
type RelayMetrics struct {
	Published *prometheus.CounterVec
	Received  *prometheus.CounterVec
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Total broadcasts published to peer instances, by status.",
		}, []string{"status"}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "received_total",
			Help:      "Total relayed broadcasts received, by result (delivered, own, invalid, error).",
		}, []string{"result"}),
	}

	reg.MustRegister(m.Published, m.Received)
	return m
}
