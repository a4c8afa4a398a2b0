package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/create-payment-intent", "/api/create-payment-intent"},
		{"/.netlify/functions/create-payment-intent", "/api/create-payment-intent"},
		{"/.netlify/functions/create-checkout-session/", "/api/create-checkout-session"},
		{"/api/check-connect-status/acct_123", "/api/check-connect-status/{id}"},
		{"/.netlify/functions/check-connect-status/acct_9", "/api/check-connect-status/{id}"},
		{"/api/check-connect-status", "/api/check-connect-status"},
		{"/api/enrollments", "/api/enrollments"},
		{"/health", "/health"},
		{"/api/unknown/thing", "other"},
		{"/wp-admin", "other"},
		{"/", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestHTTPMetrics(t *testing.T) {
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	handler := HTTPMetrics(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	for _, path := range []string{"/api/enrollments", "/.netlify/functions/enrollments", "/health"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	if got := testutil.ToFloat64(metrics.httpRequests.WithLabelValues("POST", "/api/enrollments", "201")); got != 2 {
		t.Errorf("expected 2 requests recorded, got %v", got)
	}
	if got := testutil.CollectAndCount(metrics.httpRequests); got != 1 {
		t.Errorf("expected one label set, got %d", got)
	}
}

func TestMetrics_RegisterTwiceFails(t *testing.T) {
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := metrics.Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if len(metrics.Collectors()) != 8 {
		t.Errorf("expected 8 collectors, got %d", len(metrics.Collectors()))
	}
}
