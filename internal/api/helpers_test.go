package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/gojoacademy/gojo/internal/auth"
	"github.com/gojoacademy/gojo/internal/enrollment"
	"github.com/gojoacademy/gojo/internal/middleware"
	"github.com/gojoacademy/gojo/internal/payment"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "whsec_test"
	testPublishable   = "pk_test_123"
)

// fakeStripeClient records processor calls and answers with canned objects.
type fakeStripeClient struct {
	mu sync.Mutex

	intents  []*payment.IntentParams
	sessions []*payment.CheckoutParams
	accounts []*payment.AccountParams
	links    []string
	gets     []string

	intentErr  error
	getAccount func(id string) (*stripe.Account, error)
}

func (f *fakeStripeClient) CreatePaymentIntent(_ context.Context, p *payment.IntentParams) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, p)
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	id := fmt.Sprintf("pi_%d", len(f.intents))
	return &stripe.PaymentIntent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (f *fakeStripeClient) CreateCheckoutSession(_ context.Context, p *payment.CheckoutParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, p)
	id := fmt.Sprintf("cs_%d", len(f.sessions))
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (f *fakeStripeClient) CreateConnectAccount(_ context.Context, p *payment.AccountParams) (*stripe.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, p)
	return &stripe.Account{ID: fmt.Sprintf("acct_%d", len(f.accounts))}, nil
}

func (f *fakeStripeClient) CreateAccountLink(_ context.Context, accountID, _, _ string) (*stripe.AccountLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, accountID)
	return &stripe.AccountLink{URL: fmt.Sprintf("https://connect.stripe.com/setup/%s/%d", accountID, len(f.links))}, nil
}

func (f *fakeStripeClient) GetAccount(_ context.Context, id string) (*stripe.Account, error) {
	f.mu.Lock()
	f.gets = append(f.gets, id)
	get := f.getAccount
	f.mu.Unlock()
	if get != nil {
		return get(id)
	}
	return &stripe.Account{ID: id}, nil
}

func (f *fakeStripeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents) + len(f.sessions) + len(f.accounts) + len(f.links) + len(f.gets)
}

// testEnv is a fully wired server over in-memory stores.
type testEnv struct {
	client      *fakeStripeClient
	payments    *payment.InMemoryPaymentRepository
	accounts    *payment.InMemoryAccountRepository
	webhooks    *payment.InMemoryWebhookRepository
	enrollments *enrollment.InMemoryRepository
	service     *payment.Service
	handler     http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()
	base, _ := url.Parse("https://gojo.example.com")

	env := &testEnv{
		client:      &fakeStripeClient{},
		payments:    payment.NewInMemoryPaymentRepository(),
		accounts:    payment.NewInMemoryAccountRepository(),
		webhooks:    payment.NewInMemoryWebhookRepository(),
		enrollments: enrollment.NewInMemoryRepository(),
	}
	env.service = payment.NewService(env.client, env.payments, env.accounts, payment.ServiceConfig{
		BaseURL: base,
		Timeout: time.Second,
		Logger:  logger,
	})
	recorder := enrollment.NewRecorder(env.enrollments, env.payments, logger)

	env.handler = NewServer(ServerConfig{
		Payments:       NewPaymentHandlers(env.service, logger),
		Enrollments:    NewEnrollmentHandlers(recorder, logger),
		Webhooks:       NewWebhookHandlers(testWebhookSecret, env.webhooks, env.service, recorder, logger),
		Health:         NewHealthHandlers(HealthHandlersConfig{Logger: logger}),
		PublishableKey: testPublishable,
		Logger:         logger,
		Verifier:       auth.NewVerifier(testJWTSecret),
		CORS:           middleware.CORSConfig{AllowedOrigins: []string{"*"}},
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func bearer(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := auth.IssueToken(testJWTSecret, auth.Session{UserID: userID, Email: userID + "@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, rr.Body.String())
	}
	return resp
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v (body %q)", err, rr.Body.String())
	}
}
