package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Processor error codes exposed to callers. Raw processor messages are
// logged server-side and never returned.
const (
	CodeCardDeclined         = "card_declined"
	CodeInvalidRequest       = "invalid_request"
	CodeAccountInvalid       = "account_invalid"
	CodeProcessorAuthFailed  = "processor_auth_failed"
	CodeProcessorRateLimited = "processor_rate_limited"
	CodeProcessorUnavailable = "processor_unavailable"
	CodeProcessorError       = "processor_error"
)

var (
	// ErrProcessorTimeout matches any TimeoutError.
	ErrProcessorTimeout = errors.New("payment processor timed out")

	// ErrAccountNotPayable is returned when a known destination account
	// cannot take charges or pay out yet.
	ErrAccountNotPayable = errors.New("destination account is not ready to accept payments")

	// ErrAccountConflict is returned when the requested email already has a
	// payout account owned by a different user.
	ErrAccountConflict = errors.New("a payout account for this email belongs to another user")
)

// ProcessorError wraps a failure reported by the payment processor.
type ProcessorError struct {
	Op   string
	Code string
	Err  error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Message is the caller-safe description of the failure.
func (e *ProcessorError) Message() string {
	switch e.Code {
	case CodeCardDeclined:
		return "The card was declined"
	case CodeInvalidRequest:
		return "The payment processor rejected the request"
	case CodeAccountInvalid:
		return "The payout account is invalid or unavailable"
	case CodeProcessorRateLimited:
		return "Too many requests to the payment processor, try again shortly"
	case CodeProcessorUnavailable:
		return "The payment processor is temporarily unavailable"
	default:
		return "The payment processor could not complete the request"
	}
}

// Recorded reports whether the processor stored this outcome against the
// forwarded idempotency key. Resending the same key returns the same
// failure, so it should be replayed rather than retried. Rejected, throttled
// and unauthenticated requests are not recorded, nor are transport errors.
func (e *ProcessorError) Recorded() bool {
	var se *stripe.Error
	if !errors.As(e.Err, &se) {
		return false
	}
	switch e.Code {
	case CodeCardDeclined, CodeProcessorUnavailable, CodeProcessorError:
		return true
	default:
		return false
	}
}

// TimeoutError reports that a processor call exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrProcessorTimeout) true for any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrProcessorTimeout
}

// classifyStripeError maps a processor error onto the closed code set.
func classifyStripeError(err error) string {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return CodeProcessorUnavailable
	}

	switch {
	case se.Type == stripe.ErrorTypeCard || se.Code == stripe.ErrorCodeCardDeclined:
		return CodeCardDeclined
	case se.Code == stripe.ErrorCodeAccountInvalid:
		return CodeAccountInvalid
	case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
		return CodeProcessorAuthFailed
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.Code == stripe.ErrorCodeRateLimit:
		return CodeProcessorRateLimited
	case se.HTTPStatusCode >= http.StatusInternalServerError:
		return CodeProcessorUnavailable
	case se.Type == stripe.ErrorTypeInvalidRequest || se.Type == stripe.ErrorTypeIdempotency:
		return CodeInvalidRequest
	default:
		return CodeProcessorError
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
