// Package metrics exposes Prometheus instrumentation for turns, the result
// cache, backend queries, and formula resolution.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the service. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Turns              *prometheus.CounterVec
	TurnDuration       *prometheus.HistogramVec
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	BackendQueries     *prometheus.CounterVec
	FormulaResolutions *prometheus.CounterVec
	Sessions           prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of conversational turns by workflow and outcome",
			},
			[]string{"workflow", "outcome"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Turn handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"workflow"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "result_cache_hits_total",
				Help:      "Queries answered from the conversation graph",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "result_cache_misses_total",
				Help:      "Queries that required a backend call",
			},
		),
		BackendQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_queries_total",
				Help:      "Reporting backend queries by status",
			},
			[]string{"status"},
		),
		FormulaResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "formula_resolutions_total",
				Help:      "Formula slot resolutions by source",
			},
			[]string{"source"},
		),
		Sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_resident",
				Help:      "User graphs currently held in memory",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
	}

	registry.MustRegister(
		c.Turns,
		c.TurnDuration,
		c.CacheHits,
		c.CacheMisses,
		c.BackendQueries,
		c.FormulaResolutions,
		c.Sessions,
		c.HTTPRequests,
	)
	return c
}

// ObserveTurn records one finished turn.
func (c *Collector) ObserveTurn(workflow, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Turns.WithLabelValues(workflow, outcome).Inc()
	c.TurnDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

// CacheHit records a query answered from the graph.
func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.CacheHits.Inc()
}

// CacheMiss records a query forwarded to the backend.
func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.CacheMisses.Inc()
}

// BackendQuery records a backend query outcome ("ok", "empty", "error").
func (c *Collector) BackendQuery(status string) {
	if c == nil {
		return
	}
	c.BackendQueries.WithLabelValues(status).Inc()
}

// FormulaResolution records how a formula slot was filled or why it blocked.
func (c *Collector) FormulaResolution(source string) {
	if c == nil {
		return
	}
	c.FormulaResolutions.WithLabelValues(source).Inc()
}

// SetSessions reports the number of resident user graphs.
func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.Sessions.Set(float64(n))
}

// HTTPRequest records one served HTTP request.
func (c *Collector) HTTPRequest(method, route string, status int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Registry returns the Prometheus registry for this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
