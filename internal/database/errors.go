package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	// ErrPaymentNotFound is returned when no payment matches the lookup
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrBookingNotFound is returned when no booking matches the lookup
	ErrBookingNotFound = errors.New("booking not found")

	// ErrActivePaymentExists is returned when an insert would give a booking a second active payment
	ErrActivePaymentExists = errors.New("booking already has an active payment")

	// ErrStaleTransition is returned when a compare-and-swap status update matched no row
	ErrStaleTransition = errors.New("payment status changed concurrently")
)

const (
	uniqueViolation        = "23505"
	activePaymentIndexName = "payments_one_active_per_booking"
)

// constraintViolation extracts the SQLSTATE and constraint name from either driver's error
func constraintViolation(err error) (code, constraint string, ok bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint, true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName, true
	}
	return "", "", false
}

// isActivePaymentViolation reports whether err comes from the one-active-per-booking index
func isActivePaymentViolation(err error) bool {
	code, constraint, ok := constraintViolation(err)
	return ok && code == uniqueViolation && constraint == activePaymentIndexName
}
