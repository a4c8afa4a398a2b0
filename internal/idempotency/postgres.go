package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gojoacademy/gojo/internal/tracing"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Reserve stores record as processing.
func (r *PostgresRepository) Reserve(ctx context.Context, record *IdempotencyKey) (err error) {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationInsert)
	defer func() {
		if errors.Is(err, ErrKeyExists) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	record.Status = StatusProcessing
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, method, route, request_hash, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
		RETURNING created_at
	`, record.Key, record.Method, record.Route, record.RequestHash, record.Status).Scan(&record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return nil
}

// Get retrieves an idempotency key by its key value.
func (r *PostgresRepository) Get(ctx context.Context, key string) (*IdempotencyKey, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationQuery)

	record := &IdempotencyKey{}
	err := r.db.QueryRowContext(ctx, `
		SELECT key, method, route, request_hash, status, response_code, response_body, created_at
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(
		&record.Key,
		&record.Method,
		&record.Route,
		&record.RequestHash,
		&record.Status,
		&record.ResponseStatusCode,
		&record.ResponseBody,
		&record.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		endSpan(nil)
		return nil, ErrKeyNotFound
	}
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return record, nil
}

// Complete stores the response for a reserved key.
func (r *PostgresRepository) Complete(ctx context.Context, key string, statusCode int, body string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $2, response_code = $3, response_body = $4
		WHERE key = $1
	`, key, StatusCompleted, statusCode, body)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Release drops a reservation.
func (r *PostgresRepository) Release(ctx context.Context, key string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	if _, err = r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// DeleteOlderThan removes idempotency keys older than the specified duration.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
