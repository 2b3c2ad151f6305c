package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/staybook/booking-payments/internal/models"
)

// BookingRepository reads marketplace bookings together with listing and guest details
type BookingRepository struct {
	db           *sqlx.DB
	queryTimeout time.Duration
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db *sqlx.DB, queryTimeout time.Duration) *BookingRepository {
	return &BookingRepository{db: db, queryTimeout: queryTimeout}
}

// FindByID returns the booking with its listing title and the guest's contact fields
func (r *BookingRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	if r.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
	}

	query := `
		SELECT
			b.booking_id,
			l.title AS listing_title,
			l.location AS listing_location,
			b.check_in_date,
			b.check_out_date,
			b.number_of_guests,
			b.total_price,
			b.status,
			u.email AS user_email,
			u.first_name AS user_first_name,
			u.last_name AS user_last_name,
			u.username,
			u.phone_number AS user_phone,
			b.created_at
		FROM bookings b
		JOIN listings l ON l.listing_id = b.listing_id
		JOIN users u ON u.user_id = b.user_id
		WHERE b.booking_id = $1`

	var booking models.Booking
	err := r.db.GetContext(ctx, &booking, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find booking: %w", err)
	}
	return &booking, nil
}
