package notification

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/staybook/booking-payments/internal/models"
)

const dateLayout = "2006-01-02"

const textTemplate = `Dear {{.Name}},

Your payment has been confirmed successfully!

Booking Details:
----------------
Booking ID: {{.BookingID}}
Property: {{.ListingTitle}}
Location: {{.ListingLocation}}
Check-in: {{.CheckIn}}
Check-out: {{.CheckOut}}
Nights: {{.Nights}}
Guests: {{.Guests}}

Payment Details:
----------------
Payment ID: {{.PaymentID}}
Transaction ID: {{.TransactionID}}
Amount: {{.Amount}} {{.Currency}}
Payment Method: {{.PaymentMethod}}
Payment Date: {{.PaymentDate}}

Thank you for booking with us!
`

const htmlTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Helvetica, Arial, sans-serif; background-color: #f4f4f4; padding: 20px;">
  <table width="600" align="center" cellpadding="0" cellspacing="0" style="background-color: #ffffff; border-radius: 8px;">
    <tr><td style="background-color: #4f46e5; padding: 32px; text-align: center; color: #ffffff;">
      <h1 style="margin: 0;">Payment Confirmed!</h1>
      <p style="margin: 8px 0 0 0;">Your booking has been successfully confirmed</p>
    </td></tr>
    <tr><td style="padding: 32px; color: #333333;">
      <p>Dear <strong>{{.Name}}</strong>,</p>
      <h3>Booking Details</h3>
      <table cellpadding="4">
        <tr><td>Booking ID</td><td>{{.BookingID}}</td></tr>
        <tr><td>Property</td><td>{{.ListingTitle}}</td></tr>
        <tr><td>Location</td><td>{{.ListingLocation}}</td></tr>
        <tr><td>Check-in</td><td>{{.CheckIn}}</td></tr>
        <tr><td>Check-out</td><td>{{.CheckOut}}</td></tr>
        <tr><td>Nights</td><td>{{.Nights}}</td></tr>
        <tr><td>Guests</td><td>{{.Guests}}</td></tr>
      </table>
      <h3>Payment Details</h3>
      <table cellpadding="4">
        <tr><td>Payment ID</td><td>{{.PaymentID}}</td></tr>
        <tr><td>Transaction ID</td><td>{{.TransactionID}}</td></tr>
        <tr><td>Amount</td><td><strong>{{.Amount}} {{.Currency}}</strong></td></tr>
        <tr><td>Payment Method</td><td>{{.PaymentMethod}}</td></tr>
        <tr><td>Payment Date</td><td>{{.PaymentDate}}</td></tr>
      </table>
      <p>Thank you for booking with us!</p>
    </td></tr>
  </table>
</body>
</html>
`

var (
	confirmationText = texttemplate.Must(texttemplate.New("confirmation.txt").Parse(textTemplate))
	confirmationHTML = htmltemplate.Must(htmltemplate.New("confirmation.html").Parse(htmlTemplate))
)

type confirmationView struct {
	Name            string
	BookingID       string
	ListingTitle    string
	ListingLocation string
	CheckIn         string
	CheckOut        string
	Nights          int
	Guests          int
	PaymentID       string
	TransactionID   string
	Amount          string
	Currency        string
	PaymentMethod   string
	PaymentDate     string
}

// ConfirmationSubject returns the subject line for a booking's confirmation
func ConfirmationSubject(booking *models.Booking) string {
	return fmt.Sprintf("Payment Confirmed - Booking #%s", booking.ShortID())
}

// RenderConfirmation builds the confirmation email for a completed payment
func RenderConfirmation(payment *models.Payment, booking *models.Booking) (Message, error) {
	view := confirmationView{
		Name:            booking.CustomerName(),
		BookingID:       booking.ID.String(),
		ListingTitle:    booking.ListingTitle,
		ListingLocation: booking.ListingLocation,
		CheckIn:         booking.CheckInDate.Format(dateLayout),
		CheckOut:        booking.CheckOutDate.Format(dateLayout),
		Nights:          booking.Nights(),
		Guests:          booking.NumberOfGuests,
		PaymentID:       payment.ID.String(),
		TransactionID:   valueOr(payment.GatewayTransactionID, "N/A"),
		Amount:          payment.Amount.StringFixed(2),
		Currency:        payment.Currency,
		PaymentMethod:   valueOr(payment.PaymentMethod, "Unknown"),
		PaymentDate:     "N/A",
	}
	if payment.CompletedAt != nil {
		view.PaymentDate = payment.CompletedAt.Format("2006-01-02 15:04:05")
	}

	var text, html bytes.Buffer
	if err := confirmationText.Execute(&text, view); err != nil {
		return Message{}, fmt.Errorf("failed to render text confirmation: %w", err)
	}
	if err := confirmationHTML.Execute(&html, view); err != nil {
		return Message{}, fmt.Errorf("failed to render html confirmation: %w", err)
	}

	return Message{
		To:       booking.UserEmail,
		Subject:  ConfirmationSubject(booking),
		TextBody: text.String(),
		HTMLBody: html.String(),
	}, nil
}

func valueOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
