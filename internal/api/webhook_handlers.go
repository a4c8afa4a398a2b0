package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/gojoacademy/gojo/internal/enrollment"
	"github.com/gojoacademy/gojo/internal/payment"
	"github.com/gojoacademy/gojo/internal/validate"
)

// maxWebhookBytes bounds webhook payloads; Stripe events are far smaller.
const maxWebhookBytes = 64 << 10

// Settler applies confirmed processor outcomes to stored payment state.
type Settler interface {
	SettleCheckoutSession(ctx context.Context, cs *stripe.CheckoutSession) (*payment.Settlement, error)
	SettlePaymentIntent(ctx context.Context, pi *stripe.PaymentIntent) (*payment.Settlement, error)
	FailPaymentIntent(ctx context.Context, pi *stripe.PaymentIntent) error
	SyncAccount(ctx context.Context, acct *stripe.Account)
}

// VerifiedEnroller records enrollments for payments the processor confirmed.
type VerifiedEnroller interface {
	RecordVerified(ctx context.Context, userID string, req enrollment.Request) (*enrollment.Enrollment, bool, error)
}

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
type WebhookHandlers struct {
	webhookSecret string
	webhookRepo   payment.WebhookRepository
	settler       Settler
	enroller      VerifiedEnroller
	logger        *slog.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(
	webhookSecret string,
	webhookRepo payment.WebhookRepository,
	settler Settler,
	enroller VerifiedEnroller,
	logger *slog.Logger,
) *WebhookHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandlers{
		webhookSecret: webhookSecret,
		webhookRepo:   webhookRepo,
		settler:       settler,
		enroller:      enroller,
		logger:        logger,
	}
}

// HandleStripeWebhook processes Stripe webhook events with signature verification.
// Each event id is processed once. If processing fails the event is forgotten
// and a 500 is returned so Stripe redelivers it.
// POST /api/stripe/webhook
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "Missing Stripe-Signature header")
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, signature, h.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "Invalid signature")
		return
	}

	h.logger.InfoContext(ctx, "webhook event received", "event_type", event.Type, "event_id", event.ID)

	if err := h.webhookRepo.RecordEvent(ctx, event.ID, string(event.Type)); err != nil {
		if errors.Is(err, payment.ErrEventAlreadyProcessed) {
			h.logger.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", event.ID)
			writeJSON(w, ctx, http.StatusOK, map[string]bool{"received": true})
			return
		}
		h.logger.ErrorContext(ctx, "failed to record webhook event", "event_id", event.ID, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to process webhook")
		return
	}

	if err := h.dispatch(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "failed to handle webhook event",
			"event_type", event.Type,
			"event_id", event.ID,
			"error", err,
		)
		if forgetErr := h.webhookRepo.ForgetEvent(context.WithoutCancel(ctx), event.ID); forgetErr != nil {
			h.logger.ErrorContext(ctx, "failed to forget webhook event", "event_id", event.ID, "error", forgetErr)
		}
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to process webhook")
		return
	}

	writeJSON(w, ctx, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandlers) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		return h.handleCheckoutSessionPaid(ctx, event)
	case stripe.EventTypePaymentIntentSucceeded:
		return h.handlePaymentIntentSucceeded(ctx, event)
	case stripe.EventTypePaymentIntentPaymentFailed:
		return h.handlePaymentIntentFailed(ctx, event)
	case stripe.EventTypeAccountUpdated:
		return h.handleAccountUpdated(ctx, event)
	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type, "event_id", event.ID)
		return nil
	}
}

// handleCheckoutSessionPaid settles a paid checkout session and enrolls the buyer.
func (h *WebhookHandlers) handleCheckoutSessionPaid(ctx context.Context, event stripe.Event) error {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse checkout session", "event_id", event.ID, "error", err)
		return nil
	}

	if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// Delayed payment methods complete later with async_payment_succeeded.
		h.logger.InfoContext(ctx, "checkout session completed without payment",
			"session_id", cs.ID,
			"payment_status", cs.PaymentStatus,
		)
		return nil
	}

	settlement, err := h.settler.SettleCheckoutSession(ctx, &cs)
	if err != nil {
		return err
	}
	return h.enroll(ctx, settlement)
}

// handlePaymentIntentSucceeded settles an intent and enrolls the buyer when known.
func (h *WebhookHandlers) handlePaymentIntentSucceeded(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse payment intent", "event_id", event.ID, "error", err)
		return nil
	}

	settlement, err := h.settler.SettlePaymentIntent(ctx, &pi)
	if err != nil {
		return err
	}
	return h.enroll(ctx, settlement)
}

// handlePaymentIntentFailed marks the intent's record failed.
func (h *WebhookHandlers) handlePaymentIntentFailed(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse payment intent", "event_id", event.ID, "error", err)
		return nil
	}
	return h.settler.FailPaymentIntent(ctx, &pi)
}

// handleAccountUpdated refreshes the stored capability flags of an account.
func (h *WebhookHandlers) handleAccountUpdated(ctx context.Context, event stripe.Event) error {
	var acct stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse account", "event_id", event.ID, "error", err)
		return nil
	}
	h.settler.SyncAccount(ctx, &acct)
	return nil
}

// enroll records the enrollment for a settlement. Settlements that do not
// identify a buyer and a course are logged and acknowledged.
func (h *WebhookHandlers) enroll(ctx context.Context, s *payment.Settlement) error {
	if s.UserID == "" || s.CourseID == "" {
		h.logger.WarnContext(ctx, "payment settled without buyer or course, not enrolling",
			"payment_reference", s.PaymentReference,
			"course_id", s.CourseID,
		)
		return nil
	}

	_, created, err := h.enroller.RecordVerified(ctx, s.UserID, enrollment.Request{
		CourseID:         s.CourseID,
		PaymentReference: s.PaymentReference,
		AmountPaid:       s.Amount,
		Currency:         s.Currency,
	})
	if _, ok := validate.AsValidationError(err); ok {
		h.logger.WarnContext(ctx, "settlement cannot be enrolled", "payment_reference", s.PaymentReference, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record enrollment: %w", err)
	}

	h.logger.InfoContext(ctx, "payment settled",
		"payment_reference", s.PaymentReference,
		"course_id", s.CourseID,
		"user_id", s.UserID,
		"new_enrollment", created,
	)
	return nil
}
