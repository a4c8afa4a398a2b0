package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/gojoacademy/gojo/internal/auth"
	"github.com/gojoacademy/gojo/internal/fee"
	"github.com/gojoacademy/gojo/internal/tracing"
	"github.com/gojoacademy/gojo/internal/validate"
)

// Processor operation names, used for metrics, spans and idempotency namespaces.
const (
	OpCreatePaymentIntent   = "create_payment_intent"
	OpCreateCheckoutSession = "create_checkout_session"
	OpCreateConnectAccount  = "create_connect_account"
	OpCreateAccountLink     = "create_account_link"
	OpGetAccount            = "get_account"
)

// DefaultCurrency applies when a request names none.
const DefaultCurrency = "USD"

// DefaultCountry applies to connected accounts when a request names none.
const DefaultCountry = "US"

// DefaultProcessorTimeout bounds every processor call.
const DefaultProcessorTimeout = 20 * time.Second

// PaymentIntentRequest is the input of CreatePaymentIntent.
type PaymentIntentRequest struct {
	CourseID       string `json:"courseId" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Currency       string `json:"currency"`
	InstructorID   string `json:"instructorId" validate:"required"`
	IdempotencyKey string `json:"-"`
}

// PaymentIntentResult is returned to the buyer's client.
type PaymentIntentResult struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// CheckoutSessionRequest is the input of CreateCheckoutSession.
type CheckoutSessionRequest struct {
	CourseID           string `json:"courseId" validate:"required"`
	CourseName         string `json:"courseName" validate:"required"`
	CoursePrice        int64  `json:"coursePrice" validate:"required,gt=0"`
	Currency           string `json:"currency"`
	InstructorStripeID string `json:"instructorStripeId" validate:"required"`
	UserID             string `json:"userId" validate:"required"`
	SuccessURL         string `json:"successUrl"`
	CancelURL          string `json:"cancelUrl"`
	CustomerEmail      string `json:"-"`
	IdempotencyKey     string `json:"-"`
}

// CheckoutSessionResult carries the hosted checkout redirect.
type CheckoutSessionResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// ConnectAccountRequest is the input of CreateConnectAccount.
type ConnectAccountRequest struct {
	Email          string `json:"email" validate:"required"`
	FirstName      string `json:"firstName" validate:"required"`
	LastName       string `json:"lastName" validate:"required"`
	Country        string `json:"country"`
	IdempotencyKey string `json:"-"`
}

// ConnectAccountResult carries the account id and its onboarding link.
type ConnectAccountResult struct {
	AccountID     string `json:"accountId"`
	OnboardingURL string `json:"onboardingUrl"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// BaseURL is the public URL of the web client; redirect URLs derive from it.
	BaseURL *url.URL
	// Timeout bounds each processor call. Defaults to DefaultProcessorTimeout.
	Timeout time.Duration
	Metrics *Metrics
	Logger  *slog.Logger
}

// Service issues processor objects for course purchases and instructor onboarding.
// The server is the only place the application fee is computed.
type Service struct {
	client   Client
	payments PaymentRepository
	accounts AccountRepository
	baseURL  *url.URL
	timeout  time.Duration
	metrics  *Metrics
	logger   *slog.Logger

	connectGroup singleflight.Group
}

// NewService creates a Service.
func NewService(client Client, payments PaymentRepository, accounts AccountRepository, cfg ServiceConfig) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProcessorTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseURL == nil {
		cfg.BaseURL = &url.URL{Scheme: "http", Host: "localhost:8888"}
	}
	return &Service{
		client:   client,
		payments: payments,
		accounts: accounts,
		baseURL:  cfg.BaseURL,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// CreatePaymentIntent creates a destination charge for a course, routing the
// gross amount less the platform fee to the instructor's account.
func (s *Service) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	currency, err := validate.Currency(req.Currency, DefaultCurrency)
	if err != nil {
		return nil, validate.InvalidField("currency", "must be a 3-letter currency code")
	}
	if err := s.checkPayable(ctx, req.InstructorID); err != nil {
		return nil, err
	}

	split, err := fee.ComputeSplit(req.Amount)
	if err != nil {
		return nil, validate.InvalidField("amount", "must be non-negative")
	}

	userID := auth.UserID(ctx)
	metadata := map[string]string{
		"courseId":     req.CourseID,
		"instructorId": req.InstructorID,
	}
	if userID != "" {
		metadata["userId"] = userID
	}

	var pi *stripe.PaymentIntent
	err = s.call(ctx, OpCreatePaymentIntent, func(ctx context.Context) error {
		var callErr error
		pi, callErr = s.client.CreatePaymentIntent(ctx, &IntentParams{
			Amount:               req.Amount,
			Currency:             currency,
			ApplicationFee:       split.ApplicationFee,
			DestinationAccountID: req.InstructorID,
			Metadata:             metadata,
			IdempotencyKey:       namespacedKey(OpCreatePaymentIntent, req.IdempotencyKey),
		})
		return callErr
	}, attribute.String("course.id", req.CourseID))
	if err != nil {
		return nil, err
	}

	s.recordPending(ctx, &PaymentRecord{
		Kind:                 KindPaymentIntent,
		PaymentIntentID:      pi.ID,
		CourseID:             req.CourseID,
		UserID:               userID,
		DestinationAccountID: req.InstructorID,
		Amount:               req.Amount,
		ApplicationFee:       split.ApplicationFee,
		Currency:             currency,
		Status:               StatusPending,
	})

	return &PaymentIntentResult{
		ClientSecret:    pi.ClientSecret,
		PaymentIntentID: pi.ID,
	}, nil
}

// CreateCheckoutSession creates a hosted checkout for one course with the
// same fee split as CreatePaymentIntent.
func (s *Service) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSessionResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	courseName, err := validate.CourseName(req.CourseName)
	if err != nil {
		return nil, validate.InvalidField("courseName", err.Error())
	}
	currency, err := validate.Currency(req.Currency, DefaultCurrency)
	if err != nil {
		return nil, validate.InvalidField("currency", "must be a 3-letter currency code")
	}
	if sess, ok := auth.SessionFromContext(ctx); ok && sess.UserID != req.UserID {
		return nil, validate.InvalidField("userId", "does not match the signed-in user")
	}

	successURL, err := s.redirectURL(req.SuccessURL, "/course/"+url.PathEscape(req.CourseID), "success=true")
	if err != nil {
		return nil, validate.InvalidField("successUrl", err.Error())
	}
	cancelURL, err := s.redirectURL(req.CancelURL, "/course/"+url.PathEscape(req.CourseID), "")
	if err != nil {
		return nil, validate.InvalidField("cancelUrl", err.Error())
	}

	// An unusable email header is dropped; the hosted page asks for one.
	customerEmail, _ := validate.Email(req.CustomerEmail)

	if err := s.checkPayable(ctx, req.InstructorStripeID); err != nil {
		return nil, err
	}

	split, err := fee.ComputeSplit(req.CoursePrice)
	if err != nil {
		return nil, validate.InvalidField("coursePrice", "must be non-negative")
	}

	var cs *stripe.CheckoutSession
	err = s.call(ctx, OpCreateCheckoutSession, func(ctx context.Context) error {
		var callErr error
		cs, callErr = s.client.CreateCheckoutSession(ctx, &CheckoutParams{
			CourseName:           courseName,
			Description:          fmt.Sprintf("Access to %s - Lifetime Access", courseName),
			Amount:               req.CoursePrice,
			Currency:             currency,
			ApplicationFee:       split.ApplicationFee,
			DestinationAccountID: req.InstructorStripeID,
			SuccessURL:           successURL,
			CancelURL:            cancelURL,
			CustomerEmail:        customerEmail,
			Metadata: map[string]string{
				"courseId":           req.CourseID,
				"userId":             req.UserID,
				"instructorStripeId": req.InstructorStripeID,
			},
			PaymentIntentMetadata: map[string]string{
				"courseId": req.CourseID,
				"userId":   req.UserID,
				"type":     "course_purchase",
			},
			IdempotencyKey: namespacedKey(OpCreateCheckoutSession, req.IdempotencyKey),
		})
		return callErr
	}, attribute.String("course.id", req.CourseID))
	if err != nil {
		return nil, err
	}

	record := &PaymentRecord{
		Kind:                 KindCheckoutSession,
		SessionID:            cs.ID,
		CourseID:             req.CourseID,
		UserID:               req.UserID,
		DestinationAccountID: req.InstructorStripeID,
		Amount:               req.CoursePrice,
		ApplicationFee:       split.ApplicationFee,
		Currency:             currency,
		Status:               StatusPending,
	}
	if cs.PaymentIntent != nil {
		record.PaymentIntentID = cs.PaymentIntent.ID
	}
	s.recordPending(ctx, record)

	return &CheckoutSessionResult{
		SessionID: cs.ID,
		URL:       cs.URL,
	}, nil
}

// CreateConnectAccount provisions an express payout account for the session
// user and returns a fresh onboarding link. A user who already has an account
// gets that account back with a new link. An email whose account belongs to
// another user is refused with ErrAccountConflict.
func (s *Service) CreateConnectAccount(ctx context.Context, req ConnectAccountRequest) (*ConnectAccountResult, error) {
	session, ok := auth.SessionFromContext(ctx)
	if !ok {
		return nil, auth.ErrNotAuthenticated
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	if _, err := validate.Email(req.Email); err != nil {
		return nil, validate.InvalidField("email", "must be a valid email address")
	}

	// Concurrent requests from one user share a single provisioning attempt,
	// which must outlive any one caller's request.
	v, err, _ := s.connectGroup.Do(session.UserID, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.timeout)
		defer cancel()
		return s.findOrCreateAccount(shared, session, req)
	})
	if err != nil {
		return nil, err
	}
	acct := v.(*ConnectedAccount)

	if req.Country != "" && !strings.EqualFold(req.Country, acct.Country) {
		return nil, validate.InvalidField("country", "differs from the existing payout account")
	}

	var link *stripe.AccountLink
	err = s.call(ctx, OpCreateAccountLink, func(ctx context.Context) error {
		var callErr error
		link, callErr = s.client.CreateAccountLink(ctx, acct.ID,
			s.dashboardURL("refresh=true"),
			s.dashboardURL("setup=complete"),
		)
		return callErr
	}, attribute.String("account.id", acct.ID))
	if err != nil {
		return nil, err
	}

	return &ConnectAccountResult{
		AccountID:     acct.ID,
		OnboardingURL: link.URL,
	}, nil
}

// findOrCreateAccount returns the account owned by the session user. An
// unowned account stored under the session's own email is claimed; an
// account stored under the email for anyone else is a conflict.
func (s *Service) findOrCreateAccount(ctx context.Context, session auth.Session, req ConnectAccountRequest) (*ConnectedAccount, error) {
	owned, err := s.accounts.GetByOwner(ctx, session.UserID)
	if err == nil {
		s.metrics.incDeduped()
		s.logger.InfoContext(ctx, "reusing connected account", "account_id", owned.ID)
		return owned, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("failed to look up connected account: %w", err)
	}

	existing, err := s.accounts.GetByEmail(ctx, req.Email)
	switch {
	case err == nil:
		return s.claimAccount(ctx, session, existing)
	case !errors.Is(err, ErrAccountNotFound):
		return nil, fmt.Errorf("failed to look up connected account: %w", err)
	}

	country := strings.ToUpper(req.Country)
	if country == "" {
		country = DefaultCountry
	}

	var acct *stripe.Account
	err = s.call(ctx, OpCreateConnectAccount, func(ctx context.Context) error {
		var callErr error
		acct, callErr = s.client.CreateConnectAccount(ctx, &AccountParams{
			Email:          req.Email,
			FirstName:      req.FirstName,
			LastName:       req.LastName,
			Country:        country,
			IdempotencyKey: namespacedKey(OpCreateConnectAccount, req.IdempotencyKey),
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	stored := &ConnectedAccount{
		ID:               acct.ID,
		OwnerID:          session.UserID,
		Email:            req.Email,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		Country:          country,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
	}
	if err := s.accounts.Save(ctx, stored); err != nil {
		s.logger.ErrorContext(ctx, "failed to store connected account",
			"account_id", acct.ID,
			"error", err,
		)
	}
	return stored, nil
}

func (s *Service) claimAccount(ctx context.Context, session auth.Session, existing *ConnectedAccount) (*ConnectedAccount, error) {
	if existing.OwnerID != "" || session.Email == "" || NormalizeEmail(session.Email) != existing.Email {
		s.logger.WarnContext(ctx, "connected account email already in use",
			"account_id", existing.ID,
			"user_id", session.UserID,
		)
		return nil, ErrAccountConflict
	}

	existing.OwnerID = session.UserID
	if err := s.accounts.Save(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to claim connected account: %w", err)
	}
	s.metrics.incDeduped()
	s.logger.InfoContext(ctx, "claimed connected account", "account_id", existing.ID)
	return existing, nil
}

// CheckConnectStatus retrieves the capability flags of a connected account
// and refreshes the stored copy when the account is known.
func (s *Service) CheckConnectStatus(ctx context.Context, accountID string) (*ConnectStatus, error) {
	if accountID == "" {
		return nil, validate.MissingFields("accountId")
	}

	var acct *stripe.Account
	err := s.call(ctx, OpGetAccount, func(ctx context.Context) error {
		var callErr error
		acct, callErr = s.client.GetAccount(ctx, accountID)
		return callErr
	}, attribute.String("account.id", accountID))
	if err != nil {
		return nil, err
	}

	status := statusFromAccount(acct)
	s.syncStatus(ctx, status)
	return &status, nil
}

// SyncAccount stores the capability flags carried by an account update event.
func (s *Service) SyncAccount(ctx context.Context, acct *stripe.Account) {
	s.syncStatus(ctx, statusFromAccount(acct))
}

func (s *Service) syncStatus(ctx context.Context, status ConnectStatus) {
	err := s.accounts.UpdateStatus(ctx, status)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		s.logger.WarnContext(ctx, "failed to refresh connected account status",
			"account_id", status.AccountID,
			"error", err,
		)
	}
}

// checkPayable rejects destinations this API provisioned that cannot yet take
// charges and pay out. Unknown destinations are left to the processor.
func (s *Service) checkPayable(ctx context.Context, accountID string) error {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "payable check skipped", "account_id", accountID, "error", err)
		return nil
	}
	if !acct.Payable() {
		return ErrAccountNotPayable
	}
	return nil
}

// call runs one processor request under the configured timeout and converts
// its failure into a TimeoutError or ProcessorError.
func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error, attrs ...attribute.KeyValue) (err error) {
	ctx, endSpan := tracing.StartProcessorSpan(ctx, "stripe", op, attrs...)
	defer func() { endSpan(err) }()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err = fn(callCtx)
	elapsed := time.Since(start).Seconds()

	if err == nil {
		s.metrics.observeCall(op, "success", elapsed)
		return nil
	}

	if isTimeout(err) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		s.metrics.observeCall(op, "timeout", elapsed)
		s.logger.ErrorContext(ctx, "payment processor timed out",
			"operation", op,
			"timeout", s.timeout,
			"error", err,
		)
		return &TimeoutError{Op: op, Timeout: s.timeout, Err: err}
	}

	code := classifyStripeError(err)
	s.metrics.observeCall(op, code, elapsed)

	logAttrs := []any{"operation", op, "code", code, "error", err}
	var se *stripe.Error
	if errors.As(err, &se) {
		logAttrs = append(logAttrs,
			"stripe_type", se.Type,
			"stripe_code", se.Code,
			"stripe_request_id", se.RequestID,
			"http_status", se.HTTPStatusCode,
		)
	}
	s.logger.ErrorContext(ctx, "payment processor request failed", logAttrs...)

	return &ProcessorError{Op: op, Code: code, Err: err}
}

func (s *Service) recordPending(ctx context.Context, record *PaymentRecord) {
	if err := s.payments.Insert(ctx, record); err != nil {
		// The processor object exists; webhooks fall back to its metadata.
		s.logger.ErrorContext(ctx, "failed to store payment record",
			"kind", record.Kind,
			"payment_intent_id", record.PaymentIntentID,
			"session_id", record.SessionID,
			"error", err,
		)
	}
}

// redirectURL returns raw when it stays on the base URL's host, or the
// default path under the base URL when raw is empty.
func (s *Service) redirectURL(raw, path, query string) (string, error) {
	if raw != "" {
		return validate.RedirectURL(raw, s.baseURL)
	}
	u := *s.baseURL
	u.Path = joinPath(s.baseURL.Path, path)
	u.RawQuery = query
	return u.String(), nil
}

func (s *Service) dashboardURL(query string) string {
	u := *s.baseURL
	u.Path = joinPath(s.baseURL.Path, "/instructor/dashboard")
	u.RawQuery = query
	return u.String()
}

func joinPath(base, path string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}

// namespacedKey scopes a client idempotency key to one processor operation.
func namespacedKey(op, key string) string {
	if key == "" {
		return ""
	}
	return op + ":" + key
}
