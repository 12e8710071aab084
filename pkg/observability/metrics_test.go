package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersEverything(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}

	metrics.RecordLoginOutcome("issued")
	metrics.RecordLoginOutcome("rejected")
	metrics.RecordLoginOutcome("issued")
	metrics.RecordFederatedCallback("saml", "success")
	metrics.RecordRateLimitDrop("account")
	metrics.TokensIssuedTotal.WithLabelValues("access").Inc()
	metrics.MFAVerificationsTotal.WithLabelValues("valid").Inc()
	metrics.ProvisionedUsersTotal.Inc()

	if got := testutil.ToFloat64(metrics.LoginAttemptsTotal.WithLabelValues("issued")); got != 2 {
		t.Errorf("issued login count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.RateLimitDropsTotal.WithLabelValues("account")); got != 1 {
		t.Errorf("rate limit drop count = %v, want 1", got)
	}
}

func TestMetricsHandlerServesScrape(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.RecordLoginOutcome("issued")

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "authcore_login_attempts_total") {
		t.Error("scrape output missing login attempts counter")
	}
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/auth/login", nil))

	if got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("POST", "/auth/login", "418")); got != 1 {
		t.Errorf("request count = %v, want 1", got)
	}
}
