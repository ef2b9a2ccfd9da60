package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	LoginAttemptsTotal      *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	SessionsTerminatedTotal *prometheus.CounterVec
	UsersProvisionedTotal   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekey_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekey_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekey_login_attempts_total",
				Help: "Total SSO login attempts by provider type and outcome",
			},
			[]string{"provider_type", "outcome"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekey_upstream_request_duration_seconds",
				Help:    "Duration of calls to identity providers and directories",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider_type"},
		),
		SessionsTerminatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekey_sessions_terminated_total",
				Help: "Total sessions terminated by reason",
			},
			[]string{"reason"},
		),
		UsersProvisionedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekey_users_provisioned_total",
				Help: "Total users auto-provisioned through SSO",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.UpstreamRequestDuration,
		m.SessionsTerminatedTotal,
		m.UsersProvisionedTotal,
	)

	return m
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLogin records the outcome of one login attempt.
func (m *Metrics) ObserveLogin(providerType, outcome string) {
	m.LoginAttemptsTotal.WithLabelValues(providerType, outcome).Inc()
}

// ObserveUpstream records the duration of an upstream IdP/directory call.
func (m *Metrics) ObserveUpstream(providerType string, d time.Duration) {
	m.UpstreamRequestDuration.WithLabelValues(providerType).Observe(d.Seconds())
}

// statusWriter captures the response status for HTTP metrics
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Middleware instruments HTTP handlers with request count and duration.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
