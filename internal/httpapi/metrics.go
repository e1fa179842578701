package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus series for the HTTP surface: request
// volume/latency by route, query mode/result counts, and job queue depth.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	queryTotal     *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	queryResults   *prometheus.HistogramVec

	jobsEnqueued *prometheus.CounterVec
	jobsQueued   prometheus.Gauge
}

// NewMetrics builds a fresh registry and registers all series.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_brain",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests by route and status class.",
	}, []string{"route", "method", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agent_brain",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	m.queryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_brain",
		Subsystem: "query",
		Name:      "requests_total",
		Help:      "Total number of query requests by retrieval mode.",
	}, []string{"mode"})

	m.queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agent_brain",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "Query execution duration in seconds by retrieval mode.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"mode"})

	m.queryResults = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agent_brain",
		Subsystem: "query",
		Name:      "results_count",
		Help:      "Number of results returned per query by retrieval mode.",
		Buckets:   prometheus.LinearBuckets(0, 5, 11), // 0, 5, ... 50
	}, []string{"mode"})

	m.jobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_brain",
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Total number of indexing jobs enqueued by operation.",
	}, []string{"operation"})

	m.jobsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agent_brain",
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Current number of jobs tracked by the queue.",
	})

	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.queryTotal, m.queryDuration, m.queryResults, m.jobsEnqueued, m.jobsQueued)
	return m
}

// Handler exposes the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordHTTP(route, method string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, statusCodeLabel(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func (m *Metrics) recordQuery(mode string, d time.Duration, resultCount int) {
	m.queryTotal.WithLabelValues(mode).Inc()
	m.queryDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.queryResults.WithLabelValues(mode).Observe(float64(resultCount))
}

func (m *Metrics) recordJobEnqueued(operation string, queueDepth int) {
	m.jobsEnqueued.WithLabelValues(operation).Inc()
	m.jobsQueued.Set(float64(queueDepth))
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// metricsMiddleware wraps a route's handler with request counting and
// latency observation, labelled by the route pattern rather than the raw
// URL to keep label cardinality bounded.
func (s *Server) metricsMiddleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		s.Metrics.recordHTTP(route, r.Method, sw.status, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
