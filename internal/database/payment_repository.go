package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/staybook/booking-payments/internal/models"
)

const paymentColumns = `id, booking_id, transaction_reference, amount, currency, status,
	gateway_transaction_id, payment_method, checkout_url, completed_at, created_at, updated_at`

// PaymentRepository handles payment database operations.
// The upsert and the compare-and-swap transition are the only synchronization points
// for concurrent initiations and verifications.
type PaymentRepository struct {
	db           *sqlx.DB
	queryTimeout time.Duration
}

// NewPaymentRepository creates a new PaymentRepository
func NewPaymentRepository(db *sqlx.DB, queryTimeout time.Duration) *PaymentRepository {
	return &PaymentRepository{db: db, queryTimeout: queryTimeout}
}

func (r *PaymentRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

// ============================================================================
// LOOKUPS
// ============================================================================

// FindActiveByBooking returns the booking's pending or completed payment, or nil if none
func (r *PaymentRepository) FindActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var payment models.Payment
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE booking_id = $1 AND status IN ('pending', 'completed')
		ORDER BY created_at DESC
		LIMIT 1`

	err := r.db.GetContext(ctx, &payment, query, bookingID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active payment: %w", err)
	}
	return &payment, nil
}

// FindByReference returns the payment for a transaction reference
func (r *PaymentRepository) FindByReference(ctx context.Context, reference string) (*models.Payment, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var payment models.Payment
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_reference = $1`

	err := r.db.GetContext(ctx, &payment, query, reference)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment by reference: %w", err)
	}
	return &payment, nil
}

// FindByID returns a payment by its id
func (r *PaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var payment models.Payment
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	err := r.db.GetContext(ctx, &payment, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment by id: %w", err)
	}
	return &payment, nil
}

// ListStalePending returns pending payments created before olderThan, oldest first
func (r *PaymentRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.Payment, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	payments := []*models.Payment{}
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &payments, query, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale pending payments: %w", err)
	}
	return payments, nil
}

// ============================================================================
// WRITES
// ============================================================================

// UpsertByReference inserts a payment or refreshes the row that already owns the reference.
// Amount, currency, status and booking are written on insert only. A second active
// payment for the booking surfaces as ErrActivePaymentExists.
func (r *PaymentRepository) UpsertByReference(ctx context.Context, bookingID uuid.UUID, reference string, fields models.PaymentFields) (*models.Payment, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	status := fields.Status
	if status == "" {
		status = models.PaymentStatusPending
	}

	query := `
		INSERT INTO payments (
			id, booking_id, transaction_reference, amount, currency, status,
			checkout_url, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $8
		)
		ON CONFLICT (transaction_reference) DO UPDATE SET
			checkout_url = COALESCE(EXCLUDED.checkout_url, payments.checkout_url),
			updated_at = EXCLUDED.updated_at
		WHERE payments.booking_id = EXCLUDED.booking_id
		RETURNING ` + paymentColumns

	var payment models.Payment
	err := r.db.GetContext(ctx, &payment, query,
		uuid.New(), bookingID, reference, fields.Amount, fields.Currency, status,
		nullableString(fields.CheckoutURL), time.Now().UTC(),
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reference %s belongs to another booking", reference)
	}
	if err != nil {
		if isActivePaymentViolation(err) {
			return nil, ErrActivePaymentExists
		}
		return nil, fmt.Errorf("failed to upsert payment: %w", err)
	}
	return &payment, nil
}

// TransitionStatus moves a payment from expected to next only if it is still in expected.
// When fields.BookingStatus is set the linked booking is updated in the same transaction.
func (r *PaymentRepository) TransitionStatus(ctx context.Context, paymentID uuid.UUID, expected, next models.PaymentStatus, fields models.TransitionFields) (*models.Payment, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE payments SET
			status = $3,
			gateway_transaction_id = COALESCE($4, gateway_transaction_id),
			payment_method = COALESCE($5, payment_method),
			completed_at = COALESCE($6, completed_at),
			updated_at = $7
		WHERE id = $1 AND status = $2
		RETURNING ` + paymentColumns

	var payment models.Payment
	err = tx.GetContext(ctx, &payment, query,
		paymentID, expected, next,
		fields.GatewayTransactionID, fields.PaymentMethod, fields.CompletedAt,
		time.Now().UTC(),
	)
	if err == sql.ErrNoRows {
		return nil, ErrStaleTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition payment: %w", err)
	}

	if fields.BookingStatus != nil {
		result, err := tx.ExecContext(ctx,
			`UPDATE bookings SET status = $2, updated_at = NOW() WHERE booking_id = $1`,
			payment.BookingID, *fields.BookingStatus,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update booking status: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to update booking status: %w", err)
		}
		if rows == 0 {
			return nil, ErrBookingNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return &payment, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IsNotFound reports whether err is one of the repository not-found sentinels
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrBookingNotFound)
}
