// Package api implements the Gojo HTTP API: payment issuance, connected
// account onboarding, enrollment recording and processor webhooks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gojoacademy/gojo/internal/auth"
	"github.com/gojoacademy/gojo/internal/enrollment"
	"github.com/gojoacademy/gojo/internal/middleware"
	"github.com/gojoacademy/gojo/internal/payment"
	"github.com/gojoacademy/gojo/internal/validate"
)

// Error codes used by the API besides the processor codes in package payment.
const (
	ErrCodeValidation        = "validation_error"
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotAuthenticated  = "not_authenticated"
	ErrCodeForbidden         = "forbidden"
	ErrCodeNotFound          = "not_found"
	ErrCodeMethodNotAllowed  = "method_not_allowed"
	ErrCodeAccountNotPayable = "account_not_payable"
	ErrCodeAccountConflict   = "account_conflict"
	ErrCodePaymentRequired   = "payment_required"
	ErrCodePaymentMismatch   = "payment_mismatch"
	ErrCodeProcessorTimeout  = "processor_timeout"
	ErrCodePersistence       = "persistence_error"
	ErrCodeInvalidSignature  = "invalid_signature"
	ErrCodeInternal          = "internal_error"
)

// ErrorResponse is the JSON error envelope: {"error": "...", "code": "...", "details": "..."}.
// Details carries a caller-safe explanation and is omitted when empty.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// WriteError writes the error envelope and records code for the request log.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	writeErrorDetails(w, ctx, status, code, message, "")
}

func writeErrorDetails(w http.ResponseWriter, ctx context.Context, status int, code, message, details string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{Error: message, Code: code, Details: details})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// WriteDomainError maps an error from the payment or enrollment packages to
// its status and code. action names what failed, e.g. "Failed to create
// payment intent", and becomes the envelope's error text for server-side
// failures. Full error detail goes to the log only.
func WriteDomainError(w http.ResponseWriter, ctx context.Context, logger *slog.Logger, action string, err error) {
	var (
		procErr    *payment.ProcessorError
		persistErr *enrollment.PersistenceError
	)

	if ve, ok := validate.AsValidationError(err); ok {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, ve.Error())
		return
	}

	switch {
	case errors.Is(err, payment.ErrAccountNotPayable):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeAccountNotPayable, "Instructor account is not ready to accept payments")
	case errors.Is(err, payment.ErrAccountConflict):
		WriteError(w, ctx, http.StatusConflict, ErrCodeAccountConflict, "A payout account for this email belongs to another user")
	case errors.Is(err, enrollment.ErrPaymentNotFound), errors.Is(err, enrollment.ErrPaymentNotSettled):
		writeErrorDetails(w, ctx, http.StatusPaymentRequired, ErrCodePaymentRequired, "Payment has not been confirmed", err.Error())
	case errors.Is(err, enrollment.ErrPaymentMismatch):
		WriteError(w, ctx, http.StatusConflict, ErrCodePaymentMismatch, "Payment does not match this enrollment")
	case errors.Is(err, auth.ErrNotAuthenticated):
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeNotAuthenticated, "Authentication required")
	case errors.Is(err, payment.ErrProcessorTimeout):
		logger.ErrorContext(ctx, action, "error", err)
		writeErrorDetails(w, ctx, http.StatusGatewayTimeout, ErrCodeProcessorTimeout, action, "The payment processor did not respond in time")
	case errors.As(err, &procErr):
		logger.ErrorContext(ctx, action, "operation", procErr.Op, "code", procErr.Code, "error", procErr.Err)
		if procErr.Recorded() {
			middleware.KeepIdempotentResponse(ctx)
		}
		writeErrorDetails(w, ctx, http.StatusInternalServerError, procErr.Code, action, procErr.Message())
	case errors.As(err, &persistErr):
		logger.ErrorContext(ctx, action, "operation", persistErr.Op, "error", persistErr.Err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodePersistence, action)
	default:
		logger.ErrorContext(ctx, action, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, action)
	}
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON request body into dst, writing a 400 on failure.
// An empty body decodes as an empty object so the validator can name the
// missing fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Request body must be valid JSON")
		return false
	}
	return true
}

// allowMethods wraps h so any other method gets a 405 envelope.
func allowMethods(h http.HandlerFunc, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, m := range methods {
			if r.Method == m {
				h(w, r)
				return
			}
		}
		for _, m := range methods {
			w.Header().Add("Allow", m)
		}
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
	}
}
