package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/gojoacademy/gojo/internal/tracing"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create stores a new enrollment.
func (r *PostgresRepository) Create(ctx context.Context, e *Enrollment) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "enrollments", tracing.DBOperationInsert)
	defer func() {
		if errors.Is(err, ErrDuplicateEnrollment) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	query := `
		INSERT INTO enrollments (
			user_id, course_id, payment_reference, amount_paid, currency, progress
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, enrolled_at
	`

	err = r.db.QueryRowContext(ctx, query,
		e.UserID,
		e.CourseID,
		e.PaymentReference,
		e.AmountPaid,
		e.Currency,
		e.Progress,
	).Scan(&e.ID, &e.EnrolledAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateEnrollment
		}
		return fmt.Errorf("failed to insert enrollment: %w", err)
	}
	return nil
}

// Get returns the enrollment for a user and course.
func (r *PostgresRepository) Get(ctx context.Context, userID, courseID string) (*Enrollment, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "enrollments", tracing.DBOperationQuery)

	query := `
		SELECT id, user_id, course_id, payment_reference, amount_paid, currency, progress, enrolled_at
		FROM enrollments
		WHERE user_id = $1 AND course_id = $2
	`

	e := &Enrollment{}
	err := r.db.QueryRowContext(ctx, query, userID, courseID).Scan(
		&e.ID,
		&e.UserID,
		&e.CourseID,
		&e.PaymentReference,
		&e.AmountPaid,
		&e.Currency,
		&e.Progress,
		&e.EnrolledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		endSpan(nil)
		return nil, ErrEnrollmentNotFound
	}
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return e, nil
}

// ListByUser returns the user's enrollments, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) (out []*Enrollment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "enrollments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT id, user_id, course_id, payment_reference, amount_paid, currency, progress, enrolled_at
		FROM enrollments
		WHERE user_id = $1
		ORDER BY enrolled_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &Enrollment{}
		if err = rows.Scan(
			&e.ID,
			&e.UserID,
			&e.CourseID,
			&e.PaymentReference,
			&e.AmountPaid,
			&e.Currency,
			&e.Progress,
			&e.EnrolledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrollments: %w", err)
	}
	return out, nil
}
