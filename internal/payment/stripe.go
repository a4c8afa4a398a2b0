// Package payment issues payment intents, checkout sessions and connected
// payout accounts against Stripe, and tracks the resulting purchase records.
package payment

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/account"
	"github.com/stripe/stripe-go/v81/accountlink"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/paymentintent"
)

// IntentParams describes a destination-charge payment intent.
type IntentParams struct {
	Amount               int64
	Currency             string
	ApplicationFee       int64
	DestinationAccountID string
	Metadata             map[string]string
	IdempotencyKey       string
}

// CheckoutParams describes a single-item hosted checkout session.
type CheckoutParams struct {
	CourseName            string
	Description           string
	Amount                int64
	Currency              string
	ApplicationFee        int64
	DestinationAccountID  string
	SuccessURL            string
	CancelURL             string
	CustomerEmail         string
	Metadata              map[string]string
	PaymentIntentMetadata map[string]string
	IdempotencyKey        string
}

// AccountParams describes an express connected account for an individual.
type AccountParams struct {
	Email          string
	FirstName      string
	LastName       string
	Country        string
	IdempotencyKey string
}

// Client is an interface for Stripe operations to enable testing with mocks.
type Client interface {
	CreatePaymentIntent(ctx context.Context, params *IntentParams) (*stripe.PaymentIntent, error)
	CreateCheckoutSession(ctx context.Context, params *CheckoutParams) (*stripe.CheckoutSession, error)
	CreateConnectAccount(ctx context.Context, params *AccountParams) (*stripe.Account, error)
	CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (*stripe.AccountLink, error)
	GetAccount(ctx context.Context, accountID string) (*stripe.Account, error)
}

// StripeClient implements the Client interface using the real Stripe SDK.
type StripeClient struct{}

// NewStripeClient creates a new Stripe client with the given API key.
// The SDK's automatic network retries are disabled; a failed call surfaces
// to the caller immediately.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
	}))
	return &StripeClient{}
}

// CreatePaymentIntent creates an intent whose funds, less the application fee,
// transfer to the destination account.
func (c *StripeClient) CreatePaymentIntent(ctx context.Context, p *IntentParams) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(p.Amount),
		Currency:             stripe.String(strings.ToLower(p.Currency)),
		ApplicationFeeAmount: stripe.Int64(p.ApplicationFee),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(p.DestinationAccountID),
		},
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	return paymentintent.New(params)
}

// CreateCheckoutSession creates a hosted checkout for one course with the
// fee split attached to the underlying payment intent.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p *CheckoutParams) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(p.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(p.CourseName),
						Description: stripe.String(p.Description),
					},
					UnitAmount: stripe.Int64(p.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			ApplicationFeeAmount: stripe.Int64(p.ApplicationFee),
			TransferData: &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
				Destination: stripe.String(p.DestinationAccountID),
			},
			Metadata: p.PaymentIntentMetadata,
		},
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	return session.New(params)
}

// CreateConnectAccount creates a new Stripe Connect Express account for an
// individual with card payments and transfers requested.
func (c *StripeClient) CreateConnectAccount(ctx context.Context, p *AccountParams) (*stripe.Account, error) {
	params := &stripe.AccountParams{
		Type:    stripe.String(string(stripe.AccountTypeExpress)),
		Country: stripe.String(p.Country),
		Email:   stripe.String(p.Email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
		BusinessType: stripe.String(string(stripe.AccountBusinessTypeIndividual)),
		Individual: &stripe.PersonParams{
			FirstName: stripe.String(p.FirstName),
			LastName:  stripe.String(p.LastName),
			Email:     stripe.String(p.Email),
		},
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	return account.New(params)
}

// CreateAccountLink creates an account onboarding link for a Stripe Connect account.
// Links are single use, so no idempotency key is sent.
func (c *StripeClient) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (*stripe.AccountLink, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	return accountlink.New(params)
}

// GetAccount retrieves a connected account.
func (c *StripeClient) GetAccount(ctx context.Context, accountID string) (*stripe.Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	return account.GetByID(accountID, params)
}
