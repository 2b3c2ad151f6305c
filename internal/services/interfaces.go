package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/staybook/booking-payments/internal/models"
	"github.com/staybook/booking-payments/pkg/chapa"
)

// PaymentStore persists payment attempts. Implemented by database.PaymentRepository.
type PaymentStore interface {
	// FindActiveByBooking returns the pending or completed payment, or nil when none exists
	FindActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error)
	FindByReference(ctx context.Context, reference string) (*models.Payment, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.Payment, error)
	UpsertByReference(ctx context.Context, bookingID uuid.UUID, reference string, fields models.PaymentFields) (*models.Payment, error)
	// TransitionStatus moves a payment from expected to next, failing with
	// database.ErrStaleTransition if another writer got there first
	TransitionStatus(ctx context.Context, paymentID uuid.UUID, expected, next models.PaymentStatus, fields models.TransitionFields) (*models.Payment, error)
}

// BookingStore reads bookings owned by the marketplace
type BookingStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
}

// Gateway is the hosted checkout provider. Implemented by chapa.Client.
type Gateway interface {
	Initialize(ctx context.Context, req chapa.InitializeRequest) (*chapa.InitializeResult, error)
	Verify(ctx context.Context, reference string) (*chapa.VerifyResult, error)
}

// AuditStore appends payment audit rows. Implemented by database.PaymentAuditRepository.
type AuditStore interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
}
