package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gojoacademy/gojo/internal/middleware"
	"github.com/gojoacademy/gojo/internal/payment"
	"github.com/gojoacademy/gojo/internal/validate"
)

// UserEmailHeader carries the buyer's email for prefilling hosted checkout.
const UserEmailHeader = "User-Email"

// PaymentService is the part of payment.Service the handlers use.
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, req payment.PaymentIntentRequest) (*payment.PaymentIntentResult, error)
	CreateCheckoutSession(ctx context.Context, req payment.CheckoutSessionRequest) (*payment.CheckoutSessionResult, error)
	CreateConnectAccount(ctx context.Context, req payment.ConnectAccountRequest) (*payment.ConnectAccountResult, error)
	CheckConnectStatus(ctx context.Context, accountID string) (*payment.ConnectStatus, error)
}

// PaymentHandlers holds dependencies for payment-related HTTP handlers.
type PaymentHandlers struct {
	service PaymentService
	logger  *slog.Logger
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(service PaymentService, logger *slog.Logger) *PaymentHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandlers{service: service, logger: logger}
}

// CreatePaymentIntent issues a PaymentIntent for an embedded card form.
// POST /api/create-payment-intent
func (h *PaymentHandlers) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req payment.PaymentIntentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.IdempotencyKey = middleware.GetIdempotencyKey(ctx)

	result, err := h.service.CreatePaymentIntent(ctx, req)
	if err != nil {
		WriteDomainError(w, ctx, h.logger, "Failed to create payment intent", err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, result)
}

// CreateCheckoutSession issues a hosted checkout session for one course.
// POST /api/create-checkout-session
func (h *PaymentHandlers) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req payment.CheckoutSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.IdempotencyKey = middleware.GetIdempotencyKey(ctx)
	if raw := strings.TrimSpace(r.Header.Get(UserEmailHeader)); raw != "" {
		if email, err := validate.Email(raw); err == nil {
			req.CustomerEmail = email
		} else {
			h.logger.DebugContext(ctx, "ignoring malformed User-Email header")
		}
	}

	result, err := h.service.CreateCheckoutSession(ctx, req)
	if err != nil {
		WriteDomainError(w, ctx, h.logger, "Failed to create checkout session", err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, result)
}

// CreateConnectAccount provisions (or reuses) the signed-in instructor's
// connected account and returns a fresh onboarding link.
// POST /api/create-connect-account
func (h *PaymentHandlers) CreateConnectAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req payment.ConnectAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.IdempotencyKey = middleware.GetIdempotencyKey(ctx)

	result, err := h.service.CreateConnectAccount(ctx, req)
	if err != nil {
		WriteDomainError(w, ctx, h.logger, "Failed to create connect account", err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, result)
}

// CheckConnectStatus reports the capability flags of a connected account.
// GET /api/check-connect-status?accountId=acct_...
// GET /api/check-connect-status/{accountId}
func (h *PaymentHandlers) CheckConnectStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	if accountID == "" {
		accountID = strings.TrimSpace(r.PathValue("accountId"))
	}

	status, err := h.service.CheckConnectStatus(ctx, accountID)
	if err != nil {
		WriteDomainError(w, ctx, h.logger, "Failed to check account status", err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, status)
}
