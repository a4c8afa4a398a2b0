package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
)

// Settlement describes a payment the processor confirmed.
// UserID is empty when the buyer cannot be determined.
type Settlement struct {
	CourseID         string
	UserID           string
	PaymentReference string
	Amount           int64
	Currency         string
}

// SettleCheckoutSession marks the record for a paid checkout session as
// succeeded. Processor metadata fills in when no record exists.
func (s *Service) SettleCheckoutSession(ctx context.Context, cs *stripe.CheckoutSession) (*Settlement, error) {
	paymentIntentID := ""
	if cs.PaymentIntent != nil {
		paymentIntentID = cs.PaymentIntent.ID
	}

	settlement := &Settlement{
		CourseID:         cs.Metadata["courseId"],
		UserID:           cs.Metadata["userId"],
		PaymentReference: firstNonEmpty(paymentIntentID, cs.ID),
		Amount:           cs.AmountTotal,
		Currency:         strings.ToUpper(string(cs.Currency)),
	}

	record, err := s.payments.GetBySessionID(ctx, cs.ID)
	switch {
	case errors.Is(err, ErrPaymentRecordNotFound):
		s.logger.WarnContext(ctx, "no payment record for checkout session", "session_id", cs.ID)
		return settlement, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up payment record: %w", err)
	}

	if err := s.payments.MarkSucceeded(ctx, record.ID, paymentIntentID); err != nil {
		return nil, fmt.Errorf("failed to mark payment succeeded: %w", err)
	}
	mergeRecord(settlement, record)
	return settlement, nil
}

// SettlePaymentIntent marks the record for a succeeded intent as succeeded.
func (s *Service) SettlePaymentIntent(ctx context.Context, pi *stripe.PaymentIntent) (*Settlement, error) {
	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	settlement := &Settlement{
		CourseID:         pi.Metadata["courseId"],
		UserID:           pi.Metadata["userId"],
		PaymentReference: pi.ID,
		Amount:           amount,
		Currency:         strings.ToUpper(string(pi.Currency)),
	}

	record, err := s.payments.GetByPaymentIntentID(ctx, pi.ID)
	switch {
	case errors.Is(err, ErrPaymentRecordNotFound):
		// Hosted checkouts learn their intent id only at completion.
		return settlement, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up payment record: %w", err)
	}

	if err := s.payments.MarkSucceeded(ctx, record.ID, pi.ID); err != nil {
		return nil, fmt.Errorf("failed to mark payment succeeded: %w", err)
	}
	mergeRecord(settlement, record)
	return settlement, nil
}

// FailPaymentIntent marks the record for a failed intent as failed.
// Intents without a record are ignored.
func (s *Service) FailPaymentIntent(ctx context.Context, pi *stripe.PaymentIntent) error {
	record, err := s.payments.GetByPaymentIntentID(ctx, pi.ID)
	if errors.Is(err, ErrPaymentRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up payment record: %w", err)
	}

	if err := s.payments.MarkFailed(ctx, record.ID, failureReason(pi)); err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	return nil
}

func failureReason(pi *stripe.PaymentIntent) string {
	if pi.LastPaymentError == nil {
		return "payment_failed"
	}
	if pi.LastPaymentError.DeclineCode != "" {
		return string(pi.LastPaymentError.DeclineCode)
	}
	if pi.LastPaymentError.Code != "" {
		return string(pi.LastPaymentError.Code)
	}
	return "payment_failed"
}

// mergeRecord prefers the stored record over processor metadata.
func mergeRecord(s *Settlement, r *PaymentRecord) {
	s.CourseID = firstNonEmpty(r.CourseID, s.CourseID)
	s.UserID = firstNonEmpty(r.UserID, s.UserID)
	if s.Amount == 0 {
		s.Amount = r.Amount
	}
	s.Currency = firstNonEmpty(r.Currency, s.Currency)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
