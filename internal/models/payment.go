package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================================
// PAYMENT STATUS (matches payments.status CHECK constraint)
// ============================================================================

// PaymentStatus represents the lifecycle state of one payment attempt
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // Checkout created, waiting for the gateway
	PaymentStatusCompleted PaymentStatus = "completed" // Gateway confirmed the charge
	PaymentStatusFailed    PaymentStatus = "failed"    // Gateway reported failure
	PaymentStatusCancelled PaymentStatus = "cancelled" // Checkout abandoned and expired
)

// IsTerminal reports whether no further transition is allowed from this status
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the status occupies the booking's single active slot
func (s PaymentStatus) IsActive() bool {
	return s == PaymentStatusPending || s == PaymentStatusCompleted
}

// ============================================================================
// PAYMENT
// ============================================================================

// Payment is a single gateway transaction attempt for a booking
type Payment struct {
	ID                   uuid.UUID       `json:"payment_id" db:"id"`
	BookingID            uuid.UUID       `json:"booking_id" db:"booking_id"`
	TransactionReference string          `json:"transaction_reference" db:"transaction_reference"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	Currency             string          `json:"currency" db:"currency"`
	Status               PaymentStatus   `json:"payment_status" db:"status"`
	GatewayTransactionID *string         `json:"transaction_id,omitempty" db:"gateway_transaction_id"`
	PaymentMethod        *string         `json:"payment_method,omitempty" db:"payment_method"`
	CheckoutURL          *string         `json:"checkout_url,omitempty" db:"checkout_url"`
	CompletedAt          *time.Time      `json:"payment_date,omitempty" db:"completed_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// HasCheckoutURL reports whether the gateway checkout link was recorded
func (p *Payment) HasCheckoutURL() bool {
	return p.CheckoutURL != nil && *p.CheckoutURL != ""
}

// CheckoutExpired reports whether a pending checkout is older than ttl
func (p *Payment) CheckoutExpired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(p.CreatedAt) >= ttl
}

// PaymentFields are the values written when a payment row is created or refreshed.
// Amount, Currency and Status only apply on insert.
type PaymentFields struct {
	Amount      decimal.Decimal
	Currency    string
	Status      PaymentStatus
	CheckoutURL string
}

// TransitionFields are the optional columns set together with a status change
type TransitionFields struct {
	GatewayTransactionID *string
	PaymentMethod        *string
	CompletedAt          *time.Time
	// BookingStatus, when set, updates the linked booking in the same transaction
	BookingStatus *BookingStatus
}

// ============================================================================
// API REQUESTS
// ============================================================================

// InitiatePaymentRequest is the body of POST /api/payments/initiate
type InitiatePaymentRequest struct {
	BookingID   string  `json:"booking_id" form:"booking_id"`
	PhoneNumber *string `json:"phone_number,omitempty" form:"phone_number"`
	Email       *string `json:"email,omitempty" form:"email"`
	FirstName   *string `json:"first_name,omitempty" form:"first_name"`
	LastName    *string `json:"last_name,omitempty" form:"last_name"`
	ReturnURL   *string `json:"return_url,omitempty" form:"return_url"`
}

// VerifyPaymentRequest carries the reference from a client poll or a provider callback.
// Chapa sends trx_ref on callbacks while clients use tx_ref.
type VerifyPaymentRequest struct {
	TxRef  string `json:"tx_ref" form:"tx_ref"`
	TrxRef string `json:"trx_ref" form:"trx_ref"`
}

// Reference returns whichever reference parameter was supplied
func (r VerifyPaymentRequest) Reference() string {
	if r.TxRef != "" {
		return r.TxRef
	}
	return r.TrxRef
}

// ============================================================================
// API RESPONSES
// ============================================================================

// APIResponse is the envelope shared by all payment endpoints
type APIResponse struct {
	Status  string      `json:"status"` // success or error
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// InitiatePaymentData is returned after a checkout link is issued
type InitiatePaymentData struct {
	CheckoutURL          string    `json:"checkout_url"`
	PaymentID            uuid.UUID `json:"payment_id"`
	TransactionReference string    `json:"transaction_reference"`
}

// PaymentStatusData is returned by verification and lookups
type PaymentStatusData struct {
	PaymentID            uuid.UUID     `json:"payment_id"`
	BookingID            uuid.UUID     `json:"booking_id"`
	TransactionReference string        `json:"transaction_reference"`
	PaymentStatus        PaymentStatus `json:"payment_status"`
	Amount               string        `json:"amount"`
	Currency             string        `json:"currency"`
	TransactionID        *string       `json:"transaction_id"`
	PaymentMethod        *string       `json:"payment_method,omitempty"`
	PaymentDate          *time.Time    `json:"payment_date,omitempty"`
}

// ToStatusData converts a payment into its public status view
func (p *Payment) ToStatusData() PaymentStatusData {
	return PaymentStatusData{
		PaymentID:            p.ID,
		BookingID:            p.BookingID,
		TransactionReference: p.TransactionReference,
		PaymentStatus:        p.Status,
		Amount:               p.Amount.StringFixed(2),
		Currency:             p.Currency,
		TransactionID:        p.GatewayTransactionID,
		PaymentMethod:        p.PaymentMethod,
		PaymentDate:          p.CompletedAt,
	}
}
