// Package metrics holds the Prometheus collectors of the edge service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teraproxy"

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	relayedBytes     *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time to complete a request, body relay included.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"route"}),
		relayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Media bytes copied to clients, by relay mode.",
		}, []string{"mode"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Metadata cache lookups, by result.",
		}, []string{"result"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "metadata_request_duration_seconds",
			Help:      "Latency of metadata API calls, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.relayedBytes,
		m.cacheLookups,
		m.upstreamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records a finished HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// AddRelayed counts bytes sent to a client.
func (m *Metrics) AddRelayed(mode string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayedBytes.WithLabelValues(mode).Add(float64(n))
}

// CacheHit records a fresh cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss records a miss, including fail-open cache errors.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// ObserveUpstream records a metadata API call.
func (m *Metrics) ObserveUpstream(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
