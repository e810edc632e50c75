package metrics

import "github.com/prometheus/client_golang/prometheus"

// HubMetrics holds Prometheus metrics for the session registry and its dedup cache.
type HubMetrics struct {
	ActiveSessions   prometheus.Gauge
	ActiveDomains    prometheus.Gauge
	Broadcasts       *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	InboundMessages  *prometheus.CounterVec
	RejectedSessions prometheus.Counter
	DedupEntries     prometheus.Gauge
	DedupEvictions   prometheus.Counter
	Panics           prometheus.Counter
}

// NewHubMetrics creates and registers hub metrics on the given registry.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "active_sessions",
			Help:      "Number of open WebSocket sessions across all domains.",
		}),
		ActiveDomains: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "active_domains",
			Help:      "Number of domains with at least one open session.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Total broadcasts handled, by result (delivered, duplicate).",
		}, []string{"result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "session_sends_total",
			Help:      "Total per-session sends attempted during fan-out, by outcome.",
		}, []string{"outcome"}),
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "inbound_messages_total",
			Help:      "Total messages received from sessions, by kind (ping, malformed, ignored).",
		}, []string{"kind"}),
		RejectedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "rejected_sessions_total",
			Help:      "Total sessions rejected because their domain was full.",
		}),
		DedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "entries",
			Help:      "Number of (domain, type) fingerprints held by the dedup cache.",
		}),
		DedupEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "evictions_total",
			Help:      "Total fingerprints evicted from the dedup cache.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "panics_total",
			Help:      "Total panics recovered in the hub goroutine.",
		}),
	}

	reg.MustRegister(m.ActiveSessions, m.ActiveDomains, m.Broadcasts, m.Deliveries, m.InboundMessages,
		m.RejectedSessions, m.DedupEntries, m.DedupEvictions, m.Panics)
	return m
}
