package health

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/balance"
)

// BalanceFunc fetches the platform balance. balance.Get satisfies it.
type BalanceFunc func(params *stripe.BalanceParams) (*stripe.Balance, error)

// StripeChecker verifies the platform secret key by reading the balance.
type StripeChecker struct {
	getBalance BalanceFunc
}

// NewStripeChecker creates a checker that uses the global stripe key.
func NewStripeChecker() *StripeChecker {
	return &StripeChecker{getBalance: balance.Get}
}

// NewStripeCheckerWith creates a checker with a custom balance lookup.
func NewStripeCheckerWith(fn BalanceFunc) *StripeChecker {
	return &StripeChecker{getBalance: fn}
}

// HealthCheck implements the health checker interface.
func (s *StripeChecker) HealthCheck(ctx context.Context) error {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if _, err := s.getBalance(params); err != nil {
		return fmt.Errorf("stripe unreachable: %w", err)
	}
	return nil
}
