package api

import (
	"log/slog"
	"net/http"

	"github.com/gojoacademy/gojo/internal/auth"
	"github.com/gojoacademy/gojo/internal/idempotency"
	"github.com/gojoacademy/gojo/internal/middleware"
)

// RoutePrefixes are the mount points of the API. The second mirrors the
// serverless function paths existing clients were built against.
var RoutePrefixes = []string{"/api", "/.netlify/functions"}

// IdempotentRoutes are the normalized routes that create processor objects.
var IdempotentRoutes = map[string]bool{
	"/api/create-payment-intent":   true,
	"/api/create-checkout-session": true,
	"/api/create-connect-account":  true,
}

// ServerConfig wires handlers and middleware into the HTTP server.
// Enrollments and Webhooks are optional; their routes are not mounted when nil.
type ServerConfig struct {
	Payments       *PaymentHandlers
	Enrollments    *EnrollmentHandlers
	Webhooks       *WebhookHandlers
	Health         *HealthHandlers
	PublishableKey string
	MetricsHandler http.Handler

	Logger      *slog.Logger
	Metrics     *middleware.Metrics
	Verifier    *auth.Verifier
	CORS        middleware.CORSConfig
	ServiceName string

	RateLimitStore middleware.RateLimitStore
	GlobalLimit    middleware.RateLimitConfig
	PaymentLimit   middleware.RateLimitConfig

	IdempotencyRepo       idempotency.Repository
	RequireIdempotencyKey bool
}

// NewServer builds the complete handler: routes plus the middleware chain
// Recover, RequestID, Tracing, Logging, HTTPMetrics, CORS, Authenticate,
// Idempotency.
func NewServer(cfg ServerConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimitStore == nil {
		cfg.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	}
	if cfg.GlobalLimit.Validate() != nil {
		cfg.GlobalLimit = middleware.DefaultGlobalLimit()
	}
	if cfg.PaymentLimit.Validate() != nil {
		cfg.PaymentLimit = middleware.DefaultPaymentLimit()
	}
	if cfg.IdempotencyRepo == nil {
		cfg.IdempotencyRepo = idempotency.NewInMemoryRepository()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gojo-api"
	}

	mux := newMux(cfg)

	var handler http.Handler = mux
	handler = middleware.Idempotency(cfg.IdempotencyRepo, middleware.IdempotencyConfig{
		Routes:     IdempotentRoutes,
		RequireKey: cfg.RequireIdempotencyKey,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})(handler)
	handler = middleware.Authenticate(cfg.Verifier, cfg.Logger)(handler)
	handler = middleware.CORS(cfg.CORS)(handler)
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Logging(cfg.Logger)(handler)
	handler = middleware.Tracing(cfg.ServiceName)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recover(cfg.Logger)(handler)
	return handler
}

func newMux(cfg ServerConfig) *http.ServeMux {
	mux := http.NewServeMux()

	global := middleware.RateLimiter(cfg.RateLimitStore, cfg.GlobalLimit, middleware.UserKeyFunc(), "global", cfg.Metrics)
	payments := middleware.RateLimiter(cfg.RateLimitStore, cfg.PaymentLimit, middleware.UserKeyFunc(), "payments", cfg.Metrics)

	api := func(h http.HandlerFunc) http.Handler { return global(h) }
	creating := func(h http.HandlerFunc) http.Handler { return global(payments(allowMethods(h, http.MethodPost))) }

	for _, prefix := range RoutePrefixes {
		mux.Handle(prefix+"/config", api(allowMethods(ClientConfig(cfg.PublishableKey), http.MethodGet)))

		if cfg.Payments != nil {
			mux.Handle(prefix+"/create-payment-intent", creating(cfg.Payments.CreatePaymentIntent))
			mux.Handle(prefix+"/create-checkout-session", creating(cfg.Payments.CreateCheckoutSession))
			mux.Handle(prefix+"/create-connect-account", creating(cfg.Payments.CreateConnectAccount))
			mux.Handle(prefix+"/check-connect-status", api(allowMethods(cfg.Payments.CheckConnectStatus, http.MethodGet)))
			mux.Handle(prefix+"/check-connect-status/{accountId}", api(allowMethods(cfg.Payments.CheckConnectStatus, http.MethodGet)))
		}

		if cfg.Enrollments != nil {
			mux.Handle(prefix+"/enrollments", api(cfg.Enrollments.Enrollments))
		}

		if cfg.Webhooks != nil {
			// Not rate limited: Stripe delivers from a small set of addresses.
			mux.Handle(prefix+"/stripe/webhook", allowMethods(cfg.Webhooks.HandleStripeWebhook, http.MethodPost))
		}
	}

	if cfg.Health != nil {
		mux.Handle("/health", allowMethods(cfg.Health.Health, http.MethodGet))
		mux.Handle("/ready", allowMethods(cfg.Health.Ready, http.MethodGet))
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("/metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "Not found")
	})

	return mux
}
