package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gojoacademy/gojo/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader marks a response served from the idempotency store.
const IdempotentReplayHeader = "Idempotent-Replayed"

// maxIdempotentBody bounds how much of a request body is read for hashing.
const maxIdempotentBody = 1 << 20

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

type idempotencyOutcomeContextKey struct{}

// idempotencyOutcome is shared between the middleware and the handler it wraps.
type idempotencyOutcome struct {
	keep atomic.Bool
}

// KeepIdempotentResponse stores the response being written for ctx under its
// Idempotency-Key even if it is not a 2xx. Handlers call it for failures the
// processor has recorded against the forwarded key, since a retry with the
// same key would only get that failure back. No-op outside the middleware.
func KeepIdempotentResponse(ctx context.Context) {
	if o, ok := ctx.Value(idempotencyOutcomeContextKey{}).(*idempotencyOutcome); ok {
		o.keep.Store(true)
	}
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// idempotencyResponseWriter captures the response so it can be stored.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.statusCode = statusCode
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// IdempotencyConfig configures the idempotency middleware.
type IdempotencyConfig struct {
	// Routes are the normalized routes the middleware applies to.
	Routes map[string]bool
	// RequireKey rejects POST requests without an Idempotency-Key with 400.
	// When false, such requests run without idempotency protection.
	RequireKey bool
	Logger     *slog.Logger
	// Metrics counts how each keyed request was resolved. May be nil.
	Metrics *Metrics
}

// Idempotency returns a middleware that makes POST requests to the configured
// routes safe to retry.
//
// The key is reserved before the handler runs. A second request with the same
// key while the first is running gets 409; with a different body it gets 422.
// A 2xx response is stored and replayed for later retries, as is a failure
// the handler marks with KeepIdempotentResponse. Any other outcome releases
// the key so the client can retry with it.
func Idempotency(repo idempotency.Repository, cfg IdempotencyConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := normalizePath(r.URL.Path)
			if r.Method != http.MethodPost || !cfg.Routes[route] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				if cfg.RequireKey {
					writeError(w, r, http.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header is required for this request")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					writeError(w, r, http.StatusBadRequest, "idempotency_key_too_long", "Idempotency-Key exceeds maximum length of 64 characters")
					return
				}
				writeError(w, r, http.StatusBadRequest, "invalid_idempotency_key", "Invalid Idempotency-Key format")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid_request_body", "Could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			outcome := &idempotencyOutcome{}
			ctx := SetIdempotencyKey(r.Context(), key)
			ctx = context.WithValue(ctx, idempotencyOutcomeContextKey{}, outcome)
			r = r.WithContext(ctx)

			record := &idempotency.IdempotencyKey{
				Key:         key,
				Method:      r.Method,
				Route:       route,
				RequestHash: idempotency.ComputeRequestHash(r.Method, route, body),
				Status:      idempotency.StatusProcessing,
			}

			err = repo.Reserve(ctx, record)
			switch {
			case err == nil:
			case errors.Is(err, idempotency.ErrKeyExists):
				cfg.Metrics.idempotencyOutcome(route, replayOrReject(w, r, repo, record, logger))
				return
			default:
				// Store trouble must not block payments; run unprotected.
				logger.ErrorContext(ctx, "failed to reserve idempotency key", "key", key, "error", err)
				cfg.Metrics.idempotencyOutcome(route, IdempotencyUnprotected)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			completed := false
			defer func() {
				if completed {
					return
				}
				// Handler failed or panicked; free the key for a retry.
				cfg.Metrics.idempotencyOutcome(route, IdempotencyReleased)
				if err := repo.Release(context.WithoutCancel(ctx), key); err != nil {
					logger.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", err)
				}
			}()

			next.ServeHTTP(capture, r)

			success := capture.statusCode >= 200 && capture.statusCode < 300
			if !success && !outcome.keep.Load() {
				return
			}
			if err := repo.Complete(context.WithoutCancel(ctx), key, capture.statusCode, capture.body.String()); err != nil {
				logger.ErrorContext(ctx, "failed to store idempotent response", "key", key, "error", err)
				return
			}
			completed = true
			if success {
				cfg.Metrics.idempotencyOutcome(route, IdempotencyStored)
			} else {
				cfg.Metrics.idempotencyOutcome(route, IdempotencyKept)
			}
		})
	}
}

// replayOrReject answers a request whose key is already held and returns
// the outcome to record.
func replayOrReject(w http.ResponseWriter, r *http.Request, repo idempotency.Repository, record *idempotency.IdempotencyKey, logger *slog.Logger) string {
	ctx := r.Context()
	existing, err := repo.Get(ctx, record.Key)
	if err != nil {
		if errors.Is(err, idempotency.ErrKeyNotFound) {
			// Released between Reserve and Get; the client may retry at once.
			writeError(w, r, http.StatusConflict, "request_in_progress", "A request with this Idempotency-Key is in progress")
			return IdempotencyRejected
		}
		logger.ErrorContext(ctx, "failed to load idempotency key", "key", record.Key, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Internal server error")
		return IdempotencyRejected
	}

	if existing.RequestHash != record.RequestHash {
		writeError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused", "Idempotency-Key was already used with a different request")
		return IdempotencyRejected
	}
	if existing.Status != idempotency.StatusCompleted {
		writeError(w, r, http.StatusConflict, "request_in_progress", "A request with this Idempotency-Key is in progress")
		return IdempotencyRejected
	}

	logger.InfoContext(ctx, "replaying idempotent response", "key", record.Key, "status", existing.ResponseStatusCode)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(IdempotentReplayHeader, "true")
	w.WriteHeader(existing.ResponseStatusCode)
	_, _ = io.WriteString(w, existing.ResponseBody)
	return IdempotencyReplayed
}
