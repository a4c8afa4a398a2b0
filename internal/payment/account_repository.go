package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrAccountNotFound is returned when no connected account matches.
var ErrAccountNotFound = errors.New("connected account not found")

// AccountRepository stores the connected accounts provisioned by the API.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*ConnectedAccount, error)
	GetByEmail(ctx context.Context, email string) (*ConnectedAccount, error)
	GetByOwner(ctx context.Context, userID string) (*ConnectedAccount, error)
	Save(ctx context.Context, acct *ConnectedAccount) error
	// UpdateStatus refreshes capability flags. Returns ErrAccountNotFound for
	// accounts this API did not provision.
	UpdateStatus(ctx context.Context, status ConnectStatus) error
}

// NormalizeEmail returns the form emails are keyed by.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// InMemoryAccountRepository implements AccountRepository with in-memory storage.
type InMemoryAccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]*ConnectedAccount // account id -> account
	byEmail  map[string]string            // normalized email -> account id
	byOwner  map[string]string            // owner user id -> account id
}

// NewInMemoryAccountRepository creates a new in-memory account repository.
func NewInMemoryAccountRepository() *InMemoryAccountRepository {
	return &InMemoryAccountRepository{
		accounts: make(map[string]*ConnectedAccount),
		byEmail:  make(map[string]string),
		byOwner:  make(map[string]string),
	}
}

// GetByID returns the account with the given processor id.
func (r *InMemoryAccountRepository) GetByID(_ context.Context, id string) (*ConnectedAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *acct
	return &copied, nil
}

// GetByEmail returns the account provisioned for email.
func (r *InMemoryAccountRepository) GetByEmail(_ context.Context, email string) (*ConnectedAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *r.accounts[id]
	return &copied, nil
}

// GetByOwner returns the account provisioned by userID.
func (r *InMemoryAccountRepository) GetByOwner(_ context.Context, userID string) (*ConnectedAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byOwner[userID]
	if userID == "" || !ok {
		return nil, ErrAccountNotFound
	}
	copied := *r.accounts[id]
	return &copied, nil
}

// Save inserts or replaces an account.
func (r *InMemoryAccountRepository) Save(_ context.Context, acct *ConnectedAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	acct.Email = NormalizeEmail(acct.Email)

	copied := *acct
	r.accounts[acct.ID] = &copied
	r.byEmail[acct.Email] = acct.ID
	if acct.OwnerID != "" {
		r.byOwner[acct.OwnerID] = acct.ID
	}
	return nil
}

// UpdateStatus refreshes the capability flags of a known account.
func (r *InMemoryAccountRepository) UpdateStatus(_ context.Context, status ConnectStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[status.AccountID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.ChargesEnabled = status.ChargesEnabled
	acct.PayoutsEnabled = status.PayoutsEnabled
	acct.DetailsSubmitted = status.DetailsSubmitted
	acct.UpdatedAt = time.Now()
	return nil
}
