package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPaymentRecordNotFound is returned when a payment record is not found.
var ErrPaymentRecordNotFound = errors.New("payment record not found")

// PaymentRepository defines methods for payment record persistence.
type PaymentRepository interface {
	Insert(ctx context.Context, record *PaymentRecord) error
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*PaymentRecord, error)
	GetBySessionID(ctx context.Context, sessionID string) (*PaymentRecord, error)
	// MarkSucceeded settles the record and attaches the payment intent id
	// when it was not known at creation (hosted checkout).
	MarkSucceeded(ctx context.Context, id, paymentIntentID string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// InMemoryPaymentRepository implements PaymentRepository with in-memory storage.
type InMemoryPaymentRepository struct {
	mu      sync.RWMutex
	records map[string]*PaymentRecord
}

// NewInMemoryPaymentRepository creates a new in-memory payment repository.
func NewInMemoryPaymentRepository() *InMemoryPaymentRepository {
	return &InMemoryPaymentRepository{
		records: make(map[string]*PaymentRecord),
	}
}

// Insert adds a new payment record, assigning its ID and timestamps.
func (r *InMemoryPaymentRepository) Insert(_ context.Context, record *PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	copied := *record
	r.records[record.ID] = &copied
	return nil
}

// GetByPaymentIntentID retrieves a payment record by processor intent ID.
func (r *InMemoryPaymentRepository) GetByPaymentIntentID(_ context.Context, paymentIntentID string) (*PaymentRecord, error) {
	return r.find(func(rec *PaymentRecord) bool {
		return paymentIntentID != "" && rec.PaymentIntentID == paymentIntentID
	})
}

// GetBySessionID retrieves a payment record by checkout session ID.
func (r *InMemoryPaymentRepository) GetBySessionID(_ context.Context, sessionID string) (*PaymentRecord, error) {
	return r.find(func(rec *PaymentRecord) bool {
		return sessionID != "" && rec.SessionID == sessionID
	})
}

// MarkSucceeded transitions a record to succeeded.
func (r *InMemoryPaymentRepository) MarkSucceeded(_ context.Context, id, paymentIntentID string) error {
	return r.update(id, func(rec *PaymentRecord) {
		rec.Status = StatusSucceeded
		rec.FailureReason = ""
		if paymentIntentID != "" {
			rec.PaymentIntentID = paymentIntentID
		}
	})
}

// MarkFailed transitions a record to failed with a reason code.
// A succeeded record is left unchanged.
func (r *InMemoryPaymentRepository) MarkFailed(_ context.Context, id, reason string) error {
	return r.update(id, func(rec *PaymentRecord) {
		if rec.Status == StatusSucceeded {
			return
		}
		rec.Status = StatusFailed
		rec.FailureReason = reason
	})
}

func (r *InMemoryPaymentRepository) find(match func(*PaymentRecord) bool) (*PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if match(rec) {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, ErrPaymentRecordNotFound
}

func (r *InMemoryPaymentRepository) update(id string, apply func(*PaymentRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrPaymentRecordNotFound
	}
	apply(rec)
	rec.UpdatedAt = time.Now()
	return nil
}
