package idempotency

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid uuid", "550e8400-e29b-41d4-a716-446655440000", nil},
		{"valid short", "k", nil},
		{"exactly max length", strings.Repeat("a", MaxKeyLength), nil},
		{"empty", "", ErrInvalidKey},
		{"too long", strings.Repeat("a", MaxKeyLength+1), ErrKeyTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateKey() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestComputeRequestHash(t *testing.T) {
	base := ComputeRequestHash("POST", "/api/create-payment-intent", []byte(`{"amount":2900}`))

	if len(base) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(base))
	}
	if base != ComputeRequestHash("POST", "/api/create-payment-intent", []byte(`{"amount":2900}`)) {
		t.Error("hash should be deterministic")
	}

	variants := []struct {
		name         string
		method, path string
		body         string
	}{
		{"different body", "POST", "/api/create-payment-intent", `{"amount":3900}`},
		{"different route", "POST", "/api/create-checkout-session", `{"amount":2900}`},
		{"different method", "PUT", "/api/create-payment-intent", `{"amount":2900}`},
		// The separator keeps route/body boundaries unambiguous.
		{"shifted boundary", "POST", "/api/create-payment-intent{", `"amount":2900}`},
	}
	for _, v := range variants {
		if ComputeRequestHash(v.method, v.path, []byte(v.body)) == base {
			t.Errorf("%s: expected a different hash", v.name)
		}
	}
}
