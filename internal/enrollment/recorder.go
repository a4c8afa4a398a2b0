package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gojoacademy/gojo/internal/auth"
	"github.com/gojoacademy/gojo/internal/payment"
	"github.com/gojoacademy/gojo/internal/validate"
)

// DefaultCurrency applies when a request names none.
const DefaultCurrency = "USD"

// ErrNotAuthenticated is returned when Enroll is called without a session.
var ErrNotAuthenticated = auth.ErrNotAuthenticated

// Payment verification errors returned by Enroll.
var (
	ErrPaymentNotFound   = errors.New("no payment matches the reference")
	ErrPaymentNotSettled = errors.New("payment has not completed")
	ErrPaymentMismatch   = errors.New("payment was made by another user or for another course")
)

// Payments looks up the payment records written when checkouts and intents
// are issued. payment.PaymentRepository satisfies it.
type Payments interface {
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*payment.PaymentRecord, error)
	GetBySessionID(ctx context.Context, sessionID string) (*payment.PaymentRecord, error)
}

// PersistenceError reports a failed read or write against the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("enrollment %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Request is the input of Enroll. AmountPaid and Currency are only used by
// RecordVerified; Enroll takes them from the verified payment.
type Request struct {
	CourseID         string `json:"courseId" validate:"required"`
	PaymentReference string `json:"paymentReference" validate:"required"`
	AmountPaid       int64  `json:"amountPaid" validate:"gte=0"`
	Currency         string `json:"currency"`
}

// Recorder writes enrollments once a payment is known to have completed.
type Recorder struct {
	repo     Repository
	payments Payments
	logger   *slog.Logger
}

// NewRecorder creates a Recorder. A nil logger uses slog.Default().
func NewRecorder(repo Repository, payments Payments, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, payments: payments, logger: logger}
}

// Enroll records an enrollment for the session user in ctx once the payment
// named by PaymentReference has succeeded for that user and course. Amount
// and currency come from the payment record. If the user already has the
// course, the existing enrollment is returned with created=false.
func (r *Recorder) Enroll(ctx context.Context, req Request) (e *Enrollment, created bool, err error) {
	session, ok := auth.SessionFromContext(ctx)
	if !ok {
		return nil, false, ErrNotAuthenticated
	}
	if err := validate.Struct(req); err != nil {
		return nil, false, err
	}

	paid, err := r.verifyPayment(ctx, session.UserID, req)
	if err != nil {
		return nil, false, err
	}
	return r.record(ctx, session.UserID, Request{
		CourseID:         req.CourseID,
		PaymentReference: firstNonEmpty(paid.PaymentIntentID, paid.SessionID),
		AmountPaid:       paid.Amount,
		Currency:         paid.Currency,
	})
}

// verifyPayment resolves a payment intent or checkout session id to its
// record and checks it settled for userID and the requested course.
func (r *Recorder) verifyPayment(ctx context.Context, userID string, req Request) (*payment.PaymentRecord, error) {
	rec, err := r.payments.GetByPaymentIntentID(ctx, req.PaymentReference)
	if errors.Is(err, payment.ErrPaymentRecordNotFound) {
		rec, err = r.payments.GetBySessionID(ctx, req.PaymentReference)
	}
	if errors.Is(err, payment.ErrPaymentRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "verify payment", Err: err}
	}

	if rec.UserID != userID || rec.CourseID != req.CourseID {
		r.logger.WarnContext(ctx, "enrollment payment does not match request",
			"user_id", userID,
			"course_id", req.CourseID,
			"payment_reference", req.PaymentReference,
		)
		return nil, ErrPaymentMismatch
	}
	if rec.Status != payment.StatusSucceeded {
		return nil, ErrPaymentNotSettled
	}
	return rec, nil
}

// RecordVerified records an enrollment for userID without a session.
// Callers must have verified the payment with the processor, e.g. through a
// signed webhook event.
func (r *Recorder) RecordVerified(ctx context.Context, userID string, req Request) (*Enrollment, bool, error) {
	if userID == "" {
		return nil, false, validate.MissingFields("userId")
	}
	return r.record(ctx, userID, req)
}

// ListForUser returns the session user's enrollments, newest first.
func (r *Recorder) ListForUser(ctx context.Context) ([]*Enrollment, error) {
	session, ok := auth.SessionFromContext(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	list, err := r.repo.ListByUser(ctx, session.UserID)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	if list == nil {
		list = []*Enrollment{}
	}
	return list, nil
}

func (r *Recorder) record(ctx context.Context, userID string, req Request) (*Enrollment, bool, error) {
	if err := validate.Struct(req); err != nil {
		return nil, false, err
	}
	currency, err := validate.Currency(req.Currency, DefaultCurrency)
	if err != nil {
		return nil, false, validate.InvalidField("currency", "must be a 3-letter currency code")
	}

	e := &Enrollment{
		UserID:           userID,
		CourseID:         req.CourseID,
		PaymentReference: req.PaymentReference,
		AmountPaid:       req.AmountPaid,
		Currency:         currency,
	}

	err = r.repo.Create(ctx, e)
	if errors.Is(err, ErrDuplicateEnrollment) {
		existing, getErr := r.repo.Get(ctx, userID, req.CourseID)
		if getErr != nil {
			return nil, false, &PersistenceError{Op: "get", Err: getErr}
		}
		if existing.PaymentReference != req.PaymentReference {
			r.logger.WarnContext(ctx, "second payment for an existing enrollment",
				"user_id", userID,
				"course_id", req.CourseID,
				"existing_reference", existing.PaymentReference,
				"payment_reference", req.PaymentReference,
			)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, &PersistenceError{Op: "create", Err: err}
	}

	r.logger.InfoContext(ctx, "enrollment recorded",
		"enrollment_id", e.ID,
		"user_id", userID,
		"course_id", req.CourseID,
	)
	return e, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
