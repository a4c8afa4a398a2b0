package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// functionsPrefix is the serverless-compatible mount point of the API.
const functionsPrefix = "/.netlify/functions"

// staticRoutes lists paths that are recorded verbatim.
var staticRoutes = map[string]bool{
	"/api/config":                  true,
	"/api/create-payment-intent":   true,
	"/api/create-checkout-session": true,
	"/api/create-connect-account":  true,
	"/api/check-connect-status":    true,
	"/api/enrollments":             true,
	"/api/stripe/webhook":          true,
	"/health":                      true,
	"/ready":                       true,
	"/metrics":                     true,
}

// normalizePath converts a request path to a bounded route label to prevent
// cardinality explosion in metrics. Both mount points collapse onto /api, and
// anything unrecognised becomes "other".
func normalizePath(path string) string {
	if rest, ok := strings.CutPrefix(path, functionsPrefix); ok {
		path = "/api" + rest
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	if staticRoutes[path] {
		return path
	}

	// /api/check-connect-status/{accountId}
	if strings.HasPrefix(path, "/api/check-connect-status/") {
		parts := strings.Split(path, "/")
		if len(parts) == 4 && parts[3] != "" {
			return "/api/check-connect-status/{id}"
		}
	}

	return "other"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	if !mrw.wroteHeader {
		mrw.WriteHeader(http.StatusOK)
	}
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// Health check endpoints (/health, /ready) are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil || r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.observeRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
