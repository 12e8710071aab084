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

	// Login metrics
	LoginAttemptsTotal       *prometheus.CounterVec
	FederatedCallbacksTotal  *prometheus.CounterVec
	TokensIssuedTotal        *prometheus.CounterVec
	RateLimitDropsTotal      *prometheus.CounterVec
	MFAVerificationsTotal    *prometheus.CounterVec
	ProvisionedUsersTotal    prometheus.Counter
	CredentialUpgradesTotal  prometheus.Counter
	RotationCompletionsTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authcore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_login_attempts_total",
				Help: "Login attempts by terminal outcome",
			},
			[]string{"outcome"},
		),
		FederatedCallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_federated_callbacks_total",
				Help: "Federated identity callbacks by protocol and status",
			},
			[]string{"protocol", "status"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_tokens_issued_total",
				Help: "Session tokens issued by purpose",
			},
			[]string{"purpose"},
		),
		RateLimitDropsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_rate_limit_drops_total",
				Help: "Login attempts refused by the rate limiter",
			},
			[]string{"kind"},
		),
		MFAVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_mfa_verifications_total",
				Help: "MFA code verifications by result",
			},
			[]string{"result"},
		),
		ProvisionedUsersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authcore_provisioned_users_total",
				Help: "Users created by just-in-time SSO provisioning",
			},
		),
		CredentialUpgradesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authcore_credential_upgrades_total",
				Help: "Legacy credentials upgraded to bcrypt on login",
			},
		),
		RotationCompletionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authcore_rotation_completions_total",
				Help: "Completed forced password rotations",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authcore_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authcore_db_connections_idle",
				Help: "Idle database connections",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.FederatedCallbacksTotal,
		m.TokensIssuedTotal,
		m.RateLimitDropsTotal,
		m.MFAVerificationsTotal,
		m.ProvisionedUsersTotal,
		m.CredentialUpgradesTotal,
		m.RotationCompletionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordLoginOutcome counts one terminal login state.
func (m *Metrics) RecordLoginOutcome(outcome string) {
	m.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordFederatedCallback counts one external-identity callback.
func (m *Metrics) RecordFederatedCallback(protocol, status string) {
	m.FederatedCallbacksTotal.WithLabelValues(protocol, status).Inc()
}

// RecordRateLimitDrop counts one refused attempt. Wire this to
// LoginGuard.OnDrop.
func (m *Metrics) RecordRateLimitDrop(kind string) {
	m.RateLimitDropsTotal.WithLabelValues(kind).Inc()
}

// Handler returns the metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request counts and latencies per route.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
