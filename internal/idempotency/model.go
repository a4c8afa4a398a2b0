// Package idempotency stores client idempotency keys so a retried creating
// request returns the original response instead of a second processor object.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status constants for idempotency keys.
//
// A key is reserved as StatusProcessing before the handler runs and moves to
// StatusCompleted once a 2xx response has been stored.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to reserve a key that is already held.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultExpiry is how long a key is remembered.
const DefaultExpiry = 24 * time.Hour

// IdempotencyKey is a reserved key and, once completed, its cached response.
type IdempotencyKey struct {
	Key                string    `json:"key"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	RequestHash        string    `json:"request_hash"`
	Status             string    `json:"status"`
	ResponseStatusCode int       `json:"response_status_code"`
	ResponseBody       string    `json:"response_body"`
	CreatedAt          time.Time `json:"created_at"`
}

// ValidateKey checks if an idempotency key is valid.
// Returns ErrInvalidKey if the key is empty.
// Returns ErrKeyTooLong if the key exceeds MaxKeyLength.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// ComputeRequestHash fingerprints a request so a key reused for a different
// request can be told apart from a retry.
func ComputeRequestHash(method, route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Repository defines methods for idempotency key persistence.
type Repository interface {
	// Reserve stores record as processing.
	// Returns ErrKeyExists if the key is already held.
	Reserve(ctx context.Context, record *IdempotencyKey) error

	// Get retrieves an idempotency key by its key value.
	// Returns ErrKeyNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (*IdempotencyKey, error)

	// Complete stores the response for a reserved key.
	Complete(ctx context.Context, key string, statusCode int, body string) error

	// Release drops a reservation so the client may retry with the same key.
	Release(ctx context.Context, key string) error

	// DeleteOlderThan removes idempotency keys older than the specified duration.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
