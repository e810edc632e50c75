package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitepulse"

// Set bundles the metrics of every subsystem registered on one registry.
type Set struct {
	Registry *prometheus.Registry
	Hub      *HubMetrics
	HTTP     *HTTPMetrics
	Relay    *RelayMetrics
	Redis    *RedisMetrics
	DB       *DBMetrics
}

// NewSet creates a registry with runtime collectors and registers all subsystem metrics on it.
func NewSet() *Set {
	reg := NewRegistry()
	return &Set{
		Registry: reg,
		Hub:      NewHubMetrics(reg),
		HTTP:     NewHTTPMetrics(reg),
		Relay:    NewRelayMetrics(reg),
		Redis:    NewRedisMetrics(reg),
		DB:       NewDBMetrics(reg),
	}
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
