package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gojoacademy/gojo/internal/enrollment"
	"github.com/gojoacademy/gojo/internal/payment"
	"github.com/gojoacademy/gojo/internal/validate"
)

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantDetails bool
	}{
		{
			name:       "validation",
			err:        validate.MissingFields("amount"),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name:       "account not payable",
			err:        fmt.Errorf("checkout: %w", payment.ErrAccountNotPayable),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeAccountNotPayable,
		},
		{
			name:       "account owned by another user",
			err:        fmt.Errorf("connect: %w", payment.ErrAccountConflict),
			wantStatus: http.StatusConflict,
			wantCode:   ErrCodeAccountConflict,
		},
		{
			name:        "payment not settled",
			err:         enrollment.ErrPaymentNotSettled,
			wantStatus:  http.StatusPaymentRequired,
			wantCode:    ErrCodePaymentRequired,
			wantDetails: true,
		},
		{
			name:        "payment not found",
			err:         enrollment.ErrPaymentNotFound,
			wantStatus:  http.StatusPaymentRequired,
			wantCode:    ErrCodePaymentRequired,
			wantDetails: true,
		},
		{
			name:       "payment mismatch",
			err:        enrollment.ErrPaymentMismatch,
			wantStatus: http.StatusConflict,
			wantCode:   ErrCodePaymentMismatch,
		},
		{
			name:       "not authenticated",
			err:        enrollment.ErrNotAuthenticated,
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrCodeNotAuthenticated,
		},
		{
			name:        "processor timeout",
			err:         &payment.TimeoutError{Op: payment.OpCreateCheckoutSession, Timeout: time.Second, Err: context.DeadlineExceeded},
			wantStatus:  http.StatusGatewayTimeout,
			wantCode:    ErrCodeProcessorTimeout,
			wantDetails: true,
		},
		{
			name:        "processor error",
			err:         &payment.ProcessorError{Op: payment.OpCreateCheckoutSession, Code: payment.CodeCardDeclined, Err: errors.New("raw processor text")},
			wantStatus:  http.StatusInternalServerError,
			wantCode:    payment.CodeCardDeclined,
			wantDetails: true,
		},
		{
			name:       "persistence",
			err:        &enrollment.PersistenceError{Op: "create", Err: errors.New("raw db text")},
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrCodePersistence,
		},
		{
			name:       "unknown",
			err:        errors.New("raw unknown text"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			WriteDomainError(rr, context.Background(), discardLogger(), "Failed to do the thing", tt.err)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("expected JSON content type, got %q", ct)
			}
			if strings.Contains(rr.Body.String(), "raw ") {
				t.Errorf("internal error text leaked: %s", rr.Body.String())
			}

			resp := decodeError(t, rr)
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, resp.Code)
			}
			if resp.Error == "" {
				t.Error("expected error message")
			}
			if (resp.Details != "") != tt.wantDetails {
				t.Errorf("details present = %v, want %v", resp.Details != "", tt.wantDetails)
			}
		})
	}
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rr := httptest.NewRecorder()

	if !decodeJSON(rr, req, &dst) {
		t.Fatalf("expected empty body to decode, got %d", rr.Code)
	}
}

func TestDecodeJSON_TooLarge(t *testing.T) {
	var dst map[string]string
	body := `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rr := httptest.NewRecorder()

	if decodeJSON(rr, req, &dst) {
		t.Fatal("expected oversized body to be rejected")
	}
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}
