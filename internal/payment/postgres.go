package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gojoacademy/gojo/internal/tracing"
)

// PostgresPaymentRepository implements PaymentRepository using PostgreSQL.
type PostgresPaymentRepository struct {
	db *sql.DB
}

// NewPostgresPaymentRepository creates a new PostgresPaymentRepository.
func NewPostgresPaymentRepository(db *sql.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

const paymentColumns = `
	id, kind, COALESCE(payment_intent_id, ''), COALESCE(session_id, ''),
	course_id, user_id, destination_account_id, amount, application_fee,
	currency, status, failure_reason, created_at, updated_at`

// Insert stores a new payment record.
func (r *PostgresPaymentRepository) Insert(ctx context.Context, record *PaymentRecord) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_records", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO payment_records (
			kind, payment_intent_id, session_id, course_id, user_id,
			destination_account_id, amount, application_fee, currency, status
		) VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		record.Kind,
		record.PaymentIntentID,
		record.SessionID,
		record.CourseID,
		record.UserID,
		record.DestinationAccountID,
		record.Amount,
		record.ApplicationFee,
		record.Currency,
		record.Status,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment record: %w", err)
	}
	return nil
}

// GetByPaymentIntentID retrieves a payment record by processor intent ID.
func (r *PostgresPaymentRepository) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*PaymentRecord, error) {
	return r.getOne(ctx, `SELECT`+paymentColumns+` FROM payment_records WHERE payment_intent_id = $1`, paymentIntentID)
}

// GetBySessionID retrieves a payment record by checkout session ID.
func (r *PostgresPaymentRepository) GetBySessionID(ctx context.Context, sessionID string) (*PaymentRecord, error) {
	return r.getOne(ctx, `SELECT`+paymentColumns+` FROM payment_records WHERE session_id = $1`, sessionID)
}

// MarkSucceeded transitions a record to succeeded.
func (r *PostgresPaymentRepository) MarkSucceeded(ctx context.Context, id, paymentIntentID string) error {
	return r.exec(ctx, `
		UPDATE payment_records
		SET status = 'succeeded', failure_reason = '',
		    payment_intent_id = COALESCE(NULLIF($2, ''), payment_intent_id),
		    updated_at = NOW()
		WHERE id = $1
	`, id, paymentIntentID)
}

// MarkFailed transitions a record to failed unless it already succeeded.
func (r *PostgresPaymentRepository) MarkFailed(ctx context.Context, id, reason string) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_records", tracing.DBOperationUpdate)
	var err error
	defer func() { endSpan(err) }()

	var exists bool
	err = r.db.QueryRowContext(ctx, `
		WITH updated AS (
			UPDATE payment_records
			SET status = 'failed', failure_reason = $2, updated_at = NOW()
			WHERE id = $1 AND status <> 'succeeded'
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM payment_records WHERE id = $1)
	`, id, reason).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to mark payment record failed: %w", err)
	}
	if !exists {
		return ErrPaymentRecordNotFound
	}
	return nil
}

func (r *PostgresPaymentRepository) getOne(ctx context.Context, query, arg string) (rec *PaymentRecord, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_records", tracing.DBOperationQuery)
	defer func() {
		if errors.Is(err, ErrPaymentRecordNotFound) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	rec = &PaymentRecord{}
	err = r.db.QueryRowContext(ctx, query, arg).Scan(
		&rec.ID,
		&rec.Kind,
		&rec.PaymentIntentID,
		&rec.SessionID,
		&rec.CourseID,
		&rec.UserID,
		&rec.DestinationAccountID,
		&rec.Amount,
		&rec.ApplicationFee,
		&rec.Currency,
		&rec.Status,
		&rec.FailureReason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment record: %w", err)
	}
	return rec, nil
}

func (r *PostgresPaymentRepository) exec(ctx context.Context, query string, args ...any) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payment_records", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update payment record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update payment record: %w", err)
	}
	if n == 0 {
		return ErrPaymentRecordNotFound
	}
	return nil
}

// PostgresAccountRepository implements AccountRepository using PostgreSQL.
type PostgresAccountRepository struct {
	db *sql.DB
}

// NewPostgresAccountRepository creates a new PostgresAccountRepository.
func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

const accountColumns = `
	id, owner_id, email, first_name, last_name, country,
	charges_enabled, payouts_enabled, details_submitted, created_at, updated_at`

// GetByID returns the account with the given processor id.
func (r *PostgresAccountRepository) GetByID(ctx context.Context, id string) (*ConnectedAccount, error) {
	return r.getOne(ctx, `SELECT`+accountColumns+` FROM connected_accounts WHERE id = $1`, id)
}

// GetByEmail returns the account provisioned for email.
func (r *PostgresAccountRepository) GetByEmail(ctx context.Context, email string) (*ConnectedAccount, error) {
	return r.getOne(ctx, `SELECT`+accountColumns+` FROM connected_accounts WHERE email = $1`, NormalizeEmail(email))
}

// GetByOwner returns the account provisioned by userID.
func (r *PostgresAccountRepository) GetByOwner(ctx context.Context, userID string) (*ConnectedAccount, error) {
	if userID == "" {
		return nil, ErrAccountNotFound
	}
	return r.getOne(ctx, `SELECT`+accountColumns+` FROM connected_accounts WHERE owner_id = $1`, userID)
}

// Save inserts or replaces an account.
func (r *PostgresAccountRepository) Save(ctx context.Context, acct *ConnectedAccount) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "connected_accounts", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	acct.Email = NormalizeEmail(acct.Email)
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO connected_accounts (
			id, owner_id, email, first_name, last_name, country,
			charges_enabled, payouts_enabled, details_submitted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			email = EXCLUDED.email,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			country = EXCLUDED.country,
			charges_enabled = EXCLUDED.charges_enabled,
			payouts_enabled = EXCLUDED.payouts_enabled,
			details_submitted = EXCLUDED.details_submitted,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`,
		acct.ID,
		acct.OwnerID,
		acct.Email,
		acct.FirstName,
		acct.LastName,
		acct.Country,
		acct.ChargesEnabled,
		acct.PayoutsEnabled,
		acct.DetailsSubmitted,
	).Scan(&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save connected account: %w", err)
	}
	return nil
}

// UpdateStatus refreshes the capability flags of a known account.
func (r *PostgresAccountRepository) UpdateStatus(ctx context.Context, status ConnectStatus) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "connected_accounts", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE connected_accounts
		SET charges_enabled = $2, payouts_enabled = $3, details_submitted = $4, updated_at = NOW()
		WHERE id = $1
	`, status.AccountID, status.ChargesEnabled, status.PayoutsEnabled, status.DetailsSubmitted)
	if err != nil {
		return fmt.Errorf("failed to update connected account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update connected account: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *PostgresAccountRepository) getOne(ctx context.Context, query, arg string) (*ConnectedAccount, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "connected_accounts", tracing.DBOperationQuery)

	acct := &ConnectedAccount{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&acct.ID,
		&acct.OwnerID,
		&acct.Email,
		&acct.FirstName,
		&acct.LastName,
		&acct.Country,
		&acct.ChargesEnabled,
		&acct.PayoutsEnabled,
		&acct.DetailsSubmitted,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		endSpan(nil)
		return nil, ErrAccountNotFound
	}
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get connected account: %w", err)
	}
	return acct, nil
}

// PostgresWebhookRepository implements WebhookRepository using PostgreSQL.
type PostgresWebhookRepository struct {
	db *sql.DB
}

// NewPostgresWebhookRepository creates a new PostgresWebhookRepository.
func NewPostgresWebhookRepository(db *sql.DB) *PostgresWebhookRepository {
	return &PostgresWebhookRepository{db: db}
}

// RecordEvent records a webhook event as processed.
func (r *PostgresWebhookRepository) RecordEvent(ctx context.Context, eventID, eventType string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if n == 0 {
		return ErrEventAlreadyProcessed
	}
	return nil
}

// ForgetEvent removes a recorded event.
func (r *PostgresWebhookRepository) ForgetEvent(ctx context.Context, eventID string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	if _, err = r.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to forget webhook event: %w", err)
	}
	return nil
}
