package services

import (
	"errors"
	"fmt"

	"github.com/staybook/booking-payments/internal/database"
	"github.com/staybook/booking-payments/pkg/chapa"
)

// Kind is the failure taxonomy shared by the payment services and the HTTP layer
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindGatewayUnreachable Kind = "gateway_unreachable"
	KindGatewayRejected    Kind = "gateway_rejected"
	KindGatewayNotFound    Kind = "gateway_not_found"
	KindInvalid            Kind = "invalid"
	KindInternal           Kind = "internal"
)

// Error is a classified payment flow failure with a user-facing message
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind and message, so details do not break errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// WithDetails returns a copy of e carrying details
func (e *Error) WithDetails(format string, args ...interface{}) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Details: fmt.Sprintf(format, args...), Err: e.Err}
}

var (
	ErrBookingNotFound  = &Error{Kind: KindNotFound, Message: "Booking not found"}
	ErrPaymentNotFound  = &Error{Kind: KindNotFound, Message: "Payment not found"}
	ErrAlreadyPaid      = &Error{Kind: KindInvalid, Message: "Payment already completed for this booking"}
	ErrInvalidBookingID = &Error{Kind: KindInvalid, Message: "booking_id must be a valid UUID"}
	ErrMissingBookingID = &Error{Kind: KindInvalid, Message: "booking_id is required"}
	ErrMissingReference = &Error{Kind: KindInvalid, Message: "tx_ref is required"}
	ErrInvalidPhone     = &Error{Kind: KindInvalid, Message: "Invalid phone number"}
	ErrInvalidReturnURL = &Error{Kind: KindInvalid, Message: "return_url must be an absolute http(s) URL"}
	ErrBookingCancelled = &Error{Kind: KindInvalid, Message: "Booking is cancelled"}
	ErrAmountMismatch   = &Error{Kind: KindInvalid, Message: "Paid amount does not match the booking"}
	ErrConcurrentUpdate = &Error{Kind: KindConflict, Message: "Payment is being processed, retry shortly"}
)

// KindOf classifies any error returned by the payment services
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}

	switch chapa.KindOf(err) {
	case chapa.KindUnreachable:
		return KindGatewayUnreachable
	case chapa.KindRejected:
		return KindGatewayRejected
	case chapa.KindNotFound:
		return KindGatewayNotFound
	}

	switch {
	case errors.Is(err, database.ErrPaymentNotFound), errors.Is(err, database.ErrBookingNotFound):
		return KindNotFound
	case errors.Is(err, database.ErrActivePaymentExists), errors.Is(err, database.ErrStaleTransition):
		return KindConflict
	}

	return KindInternal
}

// DetailsOf returns the most specific human-readable detail carried by err
func DetailsOf(err error) string {
	var svcErr *Error
	if errors.As(err, &svcErr) && svcErr.Details != "" {
		return svcErr.Details
	}
	return chapa.MessageOf(err)
}
