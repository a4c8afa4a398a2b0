package payment

import (
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Status is the lifecycle state of a payment record.
type Status string

const (
	// StatusPending indicates the processor object exists but payment has not settled.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the processor confirmed the payment.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the processor reported a failed payment.
	StatusFailed Status = "failed"
)

// Kind identifies which processor object a payment record tracks.
type Kind string

const (
	// KindPaymentIntent is an intent confirmed by the client with its secret.
	KindPaymentIntent Kind = "payment_intent"
	// KindCheckoutSession is a hosted, redirect-based checkout.
	KindCheckoutSession Kind = "checkout_session"
)

// PaymentRecord tracks one purchase attempt for a course.
// Amount and ApplicationFee are in minor currency units.
type PaymentRecord struct {
	ID                   string
	Kind                 Kind
	PaymentIntentID      string
	SessionID            string
	CourseID             string
	UserID               string
	DestinationAccountID string
	Amount               int64
	ApplicationFee       int64
	Currency             string
	Status               Status
	FailureReason        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ConnectedAccount is an instructor's payout account as last seen by the API.
type ConnectedAccount struct {
	ID string
	// OwnerID is the user who provisioned the account. Empty for accounts
	// stored before ownership was recorded.
	OwnerID          string
	Email            string
	FirstName        string
	LastName         string
	Country          string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Payable reports whether checkouts may route funds to the account.
func (a *ConnectedAccount) Payable() bool {
	return a.ChargesEnabled && a.PayoutsEnabled
}

// ConnectStatus is the capability projection of a connected account.
type ConnectStatus struct {
	AccountID        string                      `json:"accountId"`
	ChargesEnabled   bool                        `json:"chargesEnabled"`
	PayoutsEnabled   bool                        `json:"payoutsEnabled"`
	DetailsSubmitted bool                        `json:"detailsSubmitted"`
	Requirements     *stripe.AccountRequirements `json:"requirements"`
}

// Payable reports whether the account can take charges and pay out.
func (s ConnectStatus) Payable() bool {
	return s.ChargesEnabled && s.PayoutsEnabled
}

func statusFromAccount(acct *stripe.Account) ConnectStatus {
	return ConnectStatus{
		AccountID:        acct.ID,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
		Requirements:     acct.Requirements,
	}
}
