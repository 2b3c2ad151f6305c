package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BookingStatus represents the status of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusCompleted BookingStatus = "completed"
)

// Booking is a listing reservation joined with the guest's contact fields.
// Bookings are owned by the marketplace; payments only read them and flip the status.
type Booking struct {
	ID              uuid.UUID       `json:"booking_id" db:"booking_id"`
	ListingTitle    string          `json:"listing_title" db:"listing_title"`
	ListingLocation string          `json:"listing_location" db:"listing_location"`
	CheckInDate     time.Time       `json:"check_in_date" db:"check_in_date"`
	CheckOutDate    time.Time       `json:"check_out_date" db:"check_out_date"`
	NumberOfGuests  int             `json:"number_of_guests" db:"number_of_guests"`
	TotalPrice      decimal.Decimal `json:"total_price" db:"total_price"`
	Status          BookingStatus   `json:"status" db:"status"`
	UserEmail       string          `json:"user_email" db:"user_email"`
	UserFirstName   string          `json:"user_first_name" db:"user_first_name"`
	UserLastName    string          `json:"user_last_name" db:"user_last_name"`
	Username        string          `json:"username" db:"username"`
	UserPhone       *string         `json:"user_phone,omitempty" db:"user_phone"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ShortID returns the first 8 characters of the booking id, used in references and subjects
func (b *Booking) ShortID() string {
	return ShortID(b.ID)
}

// CustomerName returns the guest's display name, falling back to the username
func (b *Booking) CustomerName() string {
	name := strings.TrimSpace(b.UserFirstName + " " + b.UserLastName)
	if name == "" {
		return b.Username
	}
	return name
}

// Nights returns the number of nights covered by the stay
func (b *Booking) Nights() int {
	n := int(b.CheckOutDate.Sub(b.CheckInDate).Hours() / 24)
	if n < 0 {
		return 0
	}
	return n
}

// ShortID returns the first 8 characters of a uuid's canonical form
func ShortID(id uuid.UUID) string {
	return id.String()[:8]
}
