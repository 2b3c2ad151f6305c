package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/staybook/booking-payments/internal/database"
	"github.com/staybook/booking-payments/internal/models"
	"github.com/staybook/booking-payments/pkg/chapa"
	"github.com/staybook/booking-payments/pkg/validator"
)

// InitiatorConfig holds the fixed values sent with every checkout
type InitiatorConfig struct {
	Currency    string
	CallbackURL string
	ReturnURL   string
	// CheckoutTTL bounds how long a pending checkout link is handed out again
	CheckoutTTL time.Duration
}

// InitiateInput is one request to start paying for a booking. Contact fields
// override the booking user's details when set.
type InitiateInput struct {
	BookingID   string
	PhoneNumber *string
	Email       *string
	FirstName   *string
	LastName    *string
	ReturnURL   *string
	Meta        RequestMeta
}

// InitiateResult is the checkout handed back to the client
type InitiateResult struct {
	CheckoutURL string
	PaymentID   uuid.UUID
	Reference   string
	// Reused is true when an existing pending checkout was returned
	Reused bool
}

// Expirer closes out a stale pending payment after checking it with the gateway
type Expirer interface {
	Expire(ctx context.Context, payment *models.Payment, meta RequestMeta) (*models.Payment, error)
}

// PaymentInitiator creates gateway checkouts for bookings
type PaymentInitiator struct {
	payments PaymentStore
	bookings BookingStore
	gateway  Gateway
	expirer  Expirer
	audit    *AuditService
	phone    *validator.PhoneValidator
	config   InitiatorConfig
	logger   *logrus.Logger
	now      func() time.Time
}

// NewPaymentInitiator creates a new initiator
func NewPaymentInitiator(
	payments PaymentStore,
	bookings BookingStore,
	gateway Gateway,
	expirer Expirer,
	audit *AuditService,
	config InitiatorConfig,
	logger *logrus.Logger,
) *PaymentInitiator {
	if config.Currency == "" {
		config.Currency = "ETB"
	}
	return &PaymentInitiator{
		payments: payments,
		bookings: bookings,
		gateway:  gateway,
		expirer:  expirer,
		audit:    audit,
		phone:    validator.NewPhoneValidator(),
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Initiate returns a checkout URL for the booking, reusing a live pending
// checkout instead of opening a second gateway transaction.
func (s *PaymentInitiator) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	bookingID, err := parseBookingID(in.BookingID)
	if err != nil {
		return nil, err
	}

	phone := ""
	if in.PhoneNumber != nil && strings.TrimSpace(*in.PhoneNumber) != "" {
		phone, err = s.phone.Validate(*in.PhoneNumber)
		if err != nil {
			return nil, ErrInvalidPhone.WithDetails("%s", err.Error())
		}
	}

	returnURL := s.config.ReturnURL
	if in.ReturnURL != nil && strings.TrimSpace(*in.ReturnURL) != "" {
		if !isAbsoluteHTTPURL(*in.ReturnURL) {
			return nil, ErrInvalidReturnURL
		}
		returnURL = strings.TrimSpace(*in.ReturnURL)
	}

	// 1. Load booking
	booking, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, database.ErrBookingNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	if booking.Status == models.BookingStatusCancelled {
		return nil, ErrBookingCancelled
	}

	log := s.logger.WithField("booking_id", bookingID)

	// 2. Short-circuit on an active payment
	reused, err := s.checkActive(ctx, booking.ID, in.Meta)
	if err != nil || reused != nil {
		if reused != nil {
			log.WithField("reference", reused.Reference).Info("Returning existing pending checkout")
		}
		return reused, err
	}

	// 3. Fresh reference
	reference := NewReference(booking.ID)
	log = log.WithField("reference", reference)

	// 4. Gateway checkout
	req := chapa.InitializeRequest{
		Amount:      booking.TotalPrice,
		Currency:    s.config.Currency,
		Reference:   reference,
		Customer:    s.customer(booking, in, phone),
		CallbackURL: s.config.CallbackURL,
		ReturnURL:   returnURL,
		Title:       "Booking Payment",
		Description: "Payment for " + booking.ListingTitle,
	}

	started := time.Now()
	initResult, err := s.gateway.Initialize(ctx, req)

	gatewayAudit := s.audit.Event(models.PaymentEventGatewayResponse, in.Meta).
		SetBooking(booking.ID).
		SetPaymentReference(reference).
		SetRequestPayload(map[string]interface{}{
			"amount":   booking.TotalPrice.StringFixed(2),
			"currency": s.config.Currency,
			"email":    req.Customer.Email,
		}).
		SetProcessingTime(started)

	// 6. Gateway failure: nothing persisted
	if err != nil {
		gatewayAudit.SetError(err.Error(), strPtr(string(chapa.KindOf(err))))
		s.audit.Record(ctx, gatewayAudit, in.Meta)
		log.WithError(err).Warn("Chapa rejected checkout initialization")
		return nil, err
	}
	gatewayAudit.SetHTTPDetails("POST", "transaction/initialize", initResult.StatusCode).SetRawBody(initResult.RawBody)
	s.audit.Record(ctx, gatewayAudit, in.Meta)

	// 5. Persist
	payment, err := s.payments.UpsertByReference(ctx, booking.ID, reference, models.PaymentFields{
		Amount:      booking.TotalPrice,
		Currency:    s.config.Currency,
		Status:      models.PaymentStatusPending,
		CheckoutURL: initResult.CheckoutURL,
	})
	if err != nil {
		if errors.Is(err, database.ErrActivePaymentExists) {
			// A concurrent Initiate for the same booking committed first
			log.Warn("Lost initiation race, returning the winning payment")
			return s.afterRace(ctx, booking.ID)
		}
		return nil, fmt.Errorf("failed to save payment: %w", err)
	}

	s.audit.Record(ctx, s.audit.Event(models.PaymentEventInitiated, in.Meta).ForPayment(payment), in.Meta)

	log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"amount":     payment.Amount.StringFixed(2),
	}).Info("Payment initiated")

	return &InitiateResult{
		CheckoutURL: initResult.CheckoutURL,
		PaymentID:   payment.ID,
		Reference:   payment.TransactionReference,
	}, nil
}

// checkActive returns a reusable checkout, ErrAlreadyPaid, or nil when a new
// attempt should start. A stale pending payment is expired first.
func (s *PaymentInitiator) checkActive(ctx context.Context, bookingID uuid.UUID, meta RequestMeta) (*InitiateResult, error) {
	active, err := s.payments.FindActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active payment: %w", err)
	}
	if active == nil {
		return nil, nil
	}

	if active.Status == models.PaymentStatusCompleted {
		return nil, ErrAlreadyPaid
	}

	if active.HasCheckoutURL() && !active.CheckoutExpired(s.config.CheckoutTTL, s.now()) {
		return reusedResult(active), nil
	}

	s.logger.WithFields(logrus.Fields{
		"payment_id": active.ID,
		"reference":  active.TransactionReference,
		"created_at": active.CreatedAt,
	}).Info("Expiring stale pending checkout")

	expired, err := s.expirer.Expire(ctx, active, meta)
	if err != nil {
		return nil, err
	}
	if expired.Status == models.PaymentStatusCompleted {
		return nil, ErrAlreadyPaid
	}
	if expired.Status == models.PaymentStatusPending {
		return nil, ErrConcurrentUpdate
	}
	return nil, nil
}

func (s *PaymentInitiator) afterRace(ctx context.Context, bookingID uuid.UUID) (*InitiateResult, error) {
	active, err := s.payments.FindActiveByBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload active payment: %w", err)
	}
	switch {
	case active == nil:
		return nil, ErrConcurrentUpdate
	case active.Status == models.PaymentStatusCompleted:
		return nil, ErrAlreadyPaid
	case active.HasCheckoutURL():
		return reusedResult(active), nil
	}
	return nil, ErrConcurrentUpdate
}

func (s *PaymentInitiator) customer(booking *models.Booking, in InitiateInput, phone string) chapa.Customer {
	c := chapa.Customer{
		Email:     booking.UserEmail,
		FirstName: booking.UserFirstName,
		LastName:  booking.UserLastName,
	}
	if c.FirstName == "" {
		c.FirstName = booking.Username
	}
	if c.LastName == "" {
		c.LastName = "User"
	}

	if in.Email != nil && *in.Email != "" {
		c.Email = *in.Email
	}
	if in.FirstName != nil && *in.FirstName != "" {
		c.FirstName = *in.FirstName
	}
	if in.LastName != nil && *in.LastName != "" {
		c.LastName = *in.LastName
	}

	switch {
	case phone != "":
		c.PhoneNumber = phone
	case booking.UserPhone != nil:
		if normalized, err := s.phone.Validate(*booking.UserPhone); err == nil {
			c.PhoneNumber = normalized
		}
	}
	return c
}

func reusedResult(p *models.Payment) *InitiateResult {
	return &InitiateResult{
		CheckoutURL: *p.CheckoutURL,
		PaymentID:   p.ID,
		Reference:   p.TransactionReference,
		Reused:      true,
	}
}

func parseBookingID(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, ErrMissingBookingID
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, ErrInvalidBookingID
	}
	return id, nil
}

func isAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func strPtr(s string) *string {
	return &s
}
