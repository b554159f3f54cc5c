// Package metrics provides Prometheus collectors for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Route label values. Keeping them fixed bounds label cardinality.
const (
	RouteRoot     = "root"
	RouteScript   = "script"
	RouteLatest   = "latest"
	RouteDownload = "download"
	RouteOther    = "other"
)

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	CacheLookups      *prometheus.CounterVec
	CacheWrites       *prometheus.CounterVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamDuration  *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "install_relay_http_requests_total",
			Help: "Total inbound HTTP requests by route and status.",
		}, []string{"route", "status_code"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "install_relay_http_request_duration_seconds",
			Help:    "Time until the response head was produced, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "install_relay_http_requests_in_flight",
			Help: "Number of requests currently being handled.",
		}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "install_relay_cache_lookups_total",
			Help: "Cache lookups by route and result (hit, miss, error).",
		}, []string{"route", "result"}),

		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "install_relay_cache_writes_total",
			Help: "Background cache writes by result (ok, error, dropped).",
		}, []string{"result"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "install_relay_upstream_responses_total",
			Help: "Upstream responses by route and status code (0 for transport errors).",
		}, []string{"route", "status_code"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "install_relay_upstream_request_duration_seconds",
			Help:    "Upstream latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.CacheLookups,
		m.CacheWrites,
		m.UpstreamResponses,
		m.UpstreamDuration,
	)
	return m
}

// RouteForPath maps a raw request path to a bounded route label.
func RouteForPath(path, scriptRoute string) string {
	switch {
	case path == "/":
		return RouteRoot
	case path == scriptRoute:
		return RouteScript
	case path == "/latest":
		return RouteLatest
	case strings.HasPrefix(path, "/dl/"):
		return RouteDownload
	default:
		return RouteOther
	}
}
