package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics holds the gateway collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	pluginLoads    *prometheus.CounterVec
	pluginFailures *prometheus.CounterVec
}

// New registers the gateway collectors together with the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests by route, method and response status",
			},
			[]string{"route", "method", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_latency_seconds",
				Help:      "Time spent waiting for the upstream response",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		pluginLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_loads_total",
				Help:      "Plugin load attempts by result",
			},
			[]string{"result"},
		),
		pluginFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_failures_total",
				Help:      "Requests failed by a plugin, by plugin and stage",
			},
			[]string{"plugin", "stage"},
		),
	}
	m.registry.MustRegister(
		m.requests,
		m.latency,
		m.pluginLoads,
		m.pluginFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// IncRequest counts a finished request. route is empty when nothing matched.
func (m *Metrics) IncRequest(route, method, status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, status).Inc()
}

// ObserveLatency records one upstream round trip.
func (m *Metrics) ObserveLatency(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

// ObservePluginLoad counts a load attempt by outcome.
func (m *Metrics) ObservePluginLoad(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.pluginLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) IncPluginFailure(plugin, stage string) {
	if m == nil {
		return
	}
	m.pluginFailures.WithLabelValues(plugin, stage).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

