package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/gojoacademy/gojo/internal/enrollment"
	"github.com/gojoacademy/gojo/internal/payment"
)

// generateStripeSignature creates a valid Stripe-Signature header value.
func generateStripeSignature(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func createStripeEventJSON(eventID, eventType string, dataObject map[string]any) []byte {
	event := map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data": map[string]any{
			"object": dataObject,
		},
	}
	body, _ := json.Marshal(event)
	return body
}

func (e *testEnv) sendWebhook(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	sig := generateStripeSignature(payload, testWebhookSecret, time.Now().Unix())
	return e.do(t, http.MethodPost, "/api/stripe/webhook", string(payload), map[string]string{"Stripe-Signature": sig})
}

func paidSessionEvent(eventID, sessionID string) []byte {
	return createStripeEventJSON(eventID, "checkout.session.completed", map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"payment_status": "paid",
		"amount_total":   2900,
		"currency":       "usd",
		"payment_intent": "pi_paid",
		"metadata": map[string]string{
			"courseId": "c1",
			"userId":   "u1",
		},
	})
}

func startCheckout(t *testing.T, env *testEnv) string {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/api/create-checkout-session",
		`{"courseId":"c1","courseName":"Go Basics","coursePrice":2900,"instructorStripeId":"acct_9","userId":"u1"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp payment.CheckoutSessionResult
	decodeBody(t, rr, &resp)
	return resp.SessionID
}

func TestHandleStripeWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	payload := paidSessionEvent("evt_bad", "cs_1")

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"missing header", nil},
		{"wrong secret", map[string]string{"Stripe-Signature": generateStripeSignature(payload, "whsec_other", time.Now().Unix())}},
		{"stale timestamp", map[string]string{"Stripe-Signature": generateStripeSignature(payload, testWebhookSecret, time.Now().Add(-time.Hour).Unix())}},
		{"garbage", map[string]string{"Stripe-Signature": "not-a-signature"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/stripe/webhook", string(payload), tt.headers)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if resp := decodeError(t, rr); resp.Code != ErrCodeInvalidSignature {
				t.Errorf("expected code %q, got %q", ErrCodeInvalidSignature, resp.Code)
			}
		})
	}

	if _, err := env.enrollments.Get(context.Background(), "u1", "c1"); !errors.Is(err, enrollment.ErrEnrollmentNotFound) {
		t.Errorf("unverified event must not enroll, got err=%v", err)
	}
}

func TestHandleStripeWebhook_CheckoutCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID := startCheckout(t, env)

	rr := env.sendWebhook(t, paidSessionEvent("evt_1", sessionID))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	record, err := env.payments.GetBySessionID(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetBySessionID: %v", err)
	}
	if record.Status != payment.StatusSucceeded {
		t.Errorf("expected status succeeded, got %s", record.Status)
	}
	if record.PaymentIntentID != "pi_paid" {
		t.Errorf("expected intent id pi_paid, got %q", record.PaymentIntentID)
	}

	e, err := env.enrollments.Get(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("expected enrollment, got %v", err)
	}
	if e.PaymentReference != "pi_paid" {
		t.Errorf("expected payment reference pi_paid, got %q", e.PaymentReference)
	}
	if e.AmountPaid != 2900 || e.Currency != "USD" {
		t.Errorf("expected 2900 USD, got %d %s", e.AmountPaid, e.Currency)
	}
}

func TestHandleStripeWebhook_DuplicateEvent(t *testing.T) {
	env := newTestEnv(t)
	sessionID := startCheckout(t, env)
	payload := paidSessionEvent("evt_dup", sessionID)

	for i := 0; i < 2; i++ {
		rr := env.sendWebhook(t, payload)
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i+1, rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), `"received":true`) {
			t.Errorf("delivery %d: expected received ack, got %s", i+1, rr.Body.String())
		}
	}

	list, err := env.enrollments.ListByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected one enrollment, got %d", len(list))
	}
}

func TestHandleStripeWebhook_UnpaidSessionIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID := startCheckout(t, env)

	payload := createStripeEventJSON("evt_unpaid", "checkout.session.completed", map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"payment_status": "unpaid",
		"metadata":       map[string]string{"courseId": "c1", "userId": "u1"},
	})
	rr := env.sendWebhook(t, payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	record, err := env.payments.GetBySessionID(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetBySessionID: %v", err)
	}
	if record.Status != payment.StatusPending {
		t.Errorf("expected status pending, got %s", record.Status)
	}
	if _, err := env.enrollments.Get(ctx, "u1", "c1"); !errors.Is(err, enrollment.ErrEnrollmentNotFound) {
		t.Errorf("unpaid session must not enroll, got err=%v", err)
	}
}

func TestHandleStripeWebhook_PaymentFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rr := env.do(t, http.MethodPost, "/api/create-payment-intent", `{"courseId":"c1","amount":2900,"instructorId":"acct_123"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("intent: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var intent payment.PaymentIntentResult
	decodeBody(t, rr, &intent)

	payload := createStripeEventJSON("evt_fail", "payment_intent.payment_failed", map[string]any{
		"id":     intent.PaymentIntentID,
		"object": "payment_intent",
		"last_payment_error": map[string]any{
			"type":         "card_error",
			"decline_code": "insufficient_funds",
		},
	})
	rr = env.sendWebhook(t, payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	record, err := env.payments.GetByPaymentIntentID(ctx, intent.PaymentIntentID)
	if err != nil {
		t.Fatalf("GetByPaymentIntentID: %v", err)
	}
	if record.Status != payment.StatusFailed {
		t.Errorf("expected status failed, got %s", record.Status)
	}
	if record.FailureReason != "insufficient_funds" {
		t.Errorf("expected failure reason insufficient_funds, got %q", record.FailureReason)
	}
}

func TestHandleStripeWebhook_AccountUpdated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rr := env.do(t, http.MethodPost, "/api/create-connect-account", `{"email":"ada@example.com","firstName":"Ada","lastName":"L"}`, bearer(t, "ada"))
	if rr.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var created payment.ConnectAccountResult
	decodeBody(t, rr, &created)

	payload := createStripeEventJSON("evt_acct", "account.updated", map[string]any{
		"id":                created.AccountID,
		"object":            "account",
		"charges_enabled":   true,
		"payouts_enabled":   true,
		"details_submitted": true,
	})
	rr = env.sendWebhook(t, payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	acct, err := env.accounts.GetByID(ctx, created.AccountID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !acct.Payable() || !acct.DetailsSubmitted {
		t.Errorf("expected account flags refreshed, got %+v", acct)
	}
}

func TestHandleStripeWebhook_UnhandledTypeAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	payload := createStripeEventJSON("evt_other", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})

	rr := env.sendWebhook(t, payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

type failingEnroller struct {
	calls int
}

func (f *failingEnroller) RecordVerified(context.Context, string, enrollment.Request) (*enrollment.Enrollment, bool, error) {
	f.calls++
	return nil, false, &enrollment.PersistenceError{Op: "create", Err: errors.New("connection reset")}
}

func TestHandleStripeWebhook_FailureAllowsRedelivery(t *testing.T) {
	env := newTestEnv(t)
	enroller := &failingEnroller{}
	handlers := NewWebhookHandlers(testWebhookSecret, env.webhooks, env.service, enroller, discardLogger())
	payload := paidSessionEvent("evt_retry", "cs_unknown")

	deliver := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(string(payload)))
		req.Header.Set("Stripe-Signature", generateStripeSignature(payload, testWebhookSecret, time.Now().Unix()))
		rr := httptest.NewRecorder()
		handlers.HandleStripeWebhook(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		rr := deliver()
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("delivery %d: expected 500, got %d: %s", i+1, rr.Code, rr.Body.String())
		}
	}
	if enroller.calls != 2 {
		t.Errorf("expected the redelivered event to be processed again, got %d calls", enroller.calls)
	}
}
