// Package observability collects Prometheus metrics for the service.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics gathers HTTP metrics behind a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeep_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatekeep_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	registry.MustRegister(requests, duration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for registering custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// EngineMetrics counts permission-engine events. All methods are nil-safe so
// the engine can run without metrics in tests.
type EngineMetrics struct {
	changesTotal    *prometheus.CounterVec
	denialsTotal    prometheus.Counter
	tempPrunedTotal prometheus.Counter
}

// NewEngineMetrics registers engine counters on the given registerer.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	changes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeep_permission_changes_total",
		Help: "Successful permission-state changes by action.",
	}, []string{"action"})
	denials := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_security_denials_total",
		Help: "Mutations rejected by escalation validation.",
	})
	pruned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_temporary_permissions_pruned_total",
		Help: "Expired temporary grants removed by the cleanup sweep.",
	})
	reg.MustRegister(changes, denials, pruned)
	return &EngineMetrics{changesTotal: changes, denialsTotal: denials, tempPrunedTotal: pruned}
}

// RecordChange counts one successful state change.
func (m *EngineMetrics) RecordChange(action string) {
	if m == nil {
		return
	}
	m.changesTotal.WithLabelValues(action).Inc()
}

// RecordDenial counts one escalation denial.
func (m *EngineMetrics) RecordDenial() {
	if m == nil {
		return
	}
	m.denialsTotal.Inc()
}

// RecordPruned counts pruned temporary grants.
func (m *EngineMetrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tempPrunedTotal.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
