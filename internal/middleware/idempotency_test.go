package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gojoacademy/gojo/internal/idempotency"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var paymentRoutes = map[string]bool{"/api/create-payment-intent": true}

// countingHandler answers with status and counts invocations.
func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"call": n, "echo": string(body), "key": GetIdempotencyKey(r.Context())})
	})
}

func postWithKey(h http.Handler, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Code
}

func TestIdempotency_ReplaysCompletedResponse(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int32
	h := Idempotency(repo, IdempotencyConfig{Routes: paymentRoutes})(countingHandler(&calls, http.StatusOK))

	first := postWithKey(h, "/api/create-payment-intent", "key-1", `{"amount":2900}`)
	// Same route through the serverless mount shares the key.
	second := postWithKey(h, "/.netlify/functions/create-payment-intent", "key-1", `{"amount":2900}`)

	if calls.Load() != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls.Load())
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if second.Header().Get(IdempotentReplayHeader) != "true" {
		t.Error("expected replay header on second response")
	}
	if !strings.Contains(first.Body.String(), `"key":"key-1"`) {
		t.Errorf("expected key in handler context, got %s", first.Body.String())
	}
}

func TestIdempotency_DifferentBodyRejected(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int32
	h := Idempotency(repo, IdempotencyConfig{Routes: paymentRoutes})(countingHandler(&calls, http.StatusOK))

	postWithKey(h, "/api/create-payment-intent", "key-1", `{"amount":2900}`)
	rr := postWithKey(h, "/api/create-payment-intent", "key-1", `{"amount":100}`)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if code := decodeCode(t, rr); code != "idempotency_key_reused" {
		t.Errorf("expected idempotency_key_reused, got %q", code)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one handler call, got %d", calls.Load())
	}
}

func TestIdempotency_InProgress(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	started := make(chan struct{})
	release := make(chan struct{})
	h := Idempotency(repo, IdempotencyConfig{Routes: paymentRoutes})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		postWithKey(h, "/api/create-payment-intent", "key-1", `{}`)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached handler")
	}

	rr := postWithKey(h, "/api/create-payment-intent", "key-1", `{}`)
	close(release)
	<-done

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if code := decodeCode(t, rr); code != "request_in_progress" {
		t.Errorf("expected request_in_progress, got %q", code)
	}
}

func TestIdempotency_FailureReleasesKey(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int32
	failing := Idempotency(repo, IdempotencyConfig{Routes: paymentRoutes})(countingHandler(&calls, http.StatusInternalServerError))
	succeeding := Idempotency(repo, IdempotencyConfig{Routes: paymentRoutes})(countingHandler(&calls, http.StatusOK))

	if rr := postWithKey(failing, "/api/create-payment-intent", "key-1", `{}`); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if _, err := repo.Get(context.Background(), "key-1"); !errors.Is(err, idempotency.ErrKeyNotFound) {
		t.Fatalf("expected key released after failure, got %v", err)
	}

	if rr := postWithKey(succeeding, "/api/create-payment-intent", "key-1", `{}`); rr.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d", rr.Code)
	}
	if calls.Load() != 2 {
		t.Errorf("expected retry to reach handler, calls=%d", calls.Load())
	}
}

func TestIdempotency_KeptFailureIsReplayed(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var calls atomic.Int32
	metrics := NewMetrics()
	h := Idempotency(repo, IdempotencyConfig{Routes: paymentRoutes, Metrics: metrics})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		KeepIdempotentResponse(r.Context())
		writeError(w, r, http.StatusInternalServerError, "card_declined", "Failed to create payment intent")
	}))

	first := postWithKey(h, "/api/create-payment-intent", "key-1", `{}`)
	second := postWithKey(h, "/api/create-payment-intent", "key-1", `{}`)

	if calls.Load() != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls.Load())
	}
	if second.Code != http.StatusInternalServerError || second.Header().Get(IdempotentReplayHeader) != "true" {
		t.Fatalf("expected replayed 500, got %d replay=%q", second.Code, second.Header().Get(IdempotentReplayHeader))
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("expected identical bodies, got %q and %q", first.Body.String(), second.Body.String())
	}
	if code := decodeCode(t, second); code != "card_declined" {
		t.Errorf("expected card_declined, got %q", code)
	}
	if got := testutil.ToFloat64(metrics.idempotencyOutcomes.WithLabelValues("/api/create-payment-intent", IdempotencyKept)); got != 1 {
		t.Errorf("expected one kept failure, got %v", got)
	}
}

func TestIdempotency_RecordsOutcomes(t *testing.T) {
	metrics := NewMetrics()
	repo := idempotency.NewInMemoryRepository()
	cfg := IdempotencyConfig{Routes: paymentRoutes, Metrics: metrics}
	var calls atomic.Int32
	ok := Idempotency(repo, cfg)(countingHandler(&calls, http.StatusOK))
	failing := Idempotency(repo, cfg)(countingHandler(&calls, http.StatusBadGateway))

	postWithKey(failing, "/api/create-payment-intent", "key-1", `{"amount":1}`)
	postWithKey(ok, "/api/create-payment-intent", "key-1", `{"amount":1}`)
	postWithKey(ok, "/.netlify/functions/create-payment-intent", "key-1", `{"amount":1}`)
	postWithKey(ok, "/api/create-payment-intent", "key-1", `{"amount":2}`)

	route := "/api/create-payment-intent"
	for outcome, want := range map[string]float64{
		IdempotencyReleased: 1,
		IdempotencyStored:   1,
		IdempotencyReplayed: 1,
		IdempotencyRejected: 1,
	} {
		if got := testutil.ToFloat64(metrics.idempotencyOutcomes.WithLabelValues(route, outcome)); got != want {
			t.Errorf("%s = %v, want %v", outcome, got, want)
		}
	}
}

func TestKeepIdempotentResponse_OutsideMiddleware(t *testing.T) {
	// Must not panic without the middleware's context.
	KeepIdempotentResponse(context.Background())
}

func TestIdempotency_PanicReleasesKey(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	h := Idempotency(repo, IdempotencyConfig{Routes: paymentRoutes})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() { _ = recover() }()
		postWithKey(h, "/api/create-payment-intent", "key-1", `{}`)
	}()

	if _, err := repo.Get(context.Background(), "key-1"); !errors.Is(err, idempotency.ErrKeyNotFound) {
		t.Fatalf("expected key released after panic, got %v", err)
	}
}

func TestIdempotency_KeyHandling(t *testing.T) {
	tests := []struct {
		name       string
		require    bool
		path       string
		method     string
		key        string
		wantStatus int
		wantCode   string
	}{
		{"missing key optional", false, "/api/create-payment-intent", http.MethodPost, "", http.StatusOK, ""},
		{"missing key required", true, "/api/create-payment-intent", http.MethodPost, "", http.StatusBadRequest, "missing_idempotency_key"},
		{"key too long", false, "/api/create-payment-intent", http.MethodPost, strings.Repeat("k", 65), http.StatusBadRequest, "idempotency_key_too_long"},
		{"other route ignored", true, "/api/enrollments", http.MethodPost, "", http.StatusOK, ""},
		{"get ignored", true, "/api/create-payment-intent", http.MethodGet, "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			h := Idempotency(idempotency.NewInMemoryRepository(), IdempotencyConfig{Routes: paymentRoutes, RequireKey: tt.require})(countingHandler(&calls, http.StatusOK))

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			if tt.key != "" {
				req.Header.Set(IdempotencyKeyHeader, tt.key)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantCode != "" {
				if code := decodeCode(t, rr); code != tt.wantCode {
					t.Errorf("expected code %q, got %q", tt.wantCode, code)
				}
				if calls.Load() != 0 {
					t.Error("handler should not run on rejected key")
				}
			}
		})
	}
}

// failingRepo simulates an unavailable idempotency store.
type failingRepo struct{ idempotency.Repository }

func (failingRepo) Reserve(context.Context, *idempotency.IdempotencyKey) error {
	return errors.New("store down")
}

func TestIdempotency_StoreUnavailableRunsHandler(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(failingRepo{}, IdempotencyConfig{Routes: paymentRoutes})(countingHandler(&calls, http.StatusOK))

	if rr := postWithKey(h, "/api/create-payment-intent", "key-1", `{}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("expected handler to run, calls=%d", calls.Load())
	}
}
