package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/staybook/booking-payments/internal/models"
)

// PaymentReader loads a payment by id
type PaymentReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
}

// BookingReader loads a booking by id
type BookingReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
}

// Worker turns queued jobs into confirmation emails
type Worker struct {
	queue    Queue
	payments PaymentReader
	bookings BookingReader
	mailer   Mailer
	logger   *logrus.Logger
}

// NewWorker creates a worker consuming queue
func NewWorker(queue Queue, payments PaymentReader, bookings BookingReader, mailer Mailer, logger *logrus.Logger) *Worker {
	return &Worker{
		queue:    queue,
		payments: payments,
		bookings: bookings,
		mailer:   mailer,
		logger:   logger,
	}
}

// Run consumes the queue until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Notification worker started")
	defer w.logger.Info("Notification worker stopped")
	return w.queue.Run(ctx, w.Handle)
}

// Handle sends the confirmation for one job. Records are re-read so the email
// reflects committed state; a payment that is not completed is skipped.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	log := w.logger.WithFields(logrus.Fields{
		"payment_id": job.PaymentID,
		"booking_id": job.BookingID,
		"attempt":    job.Attempt + 1,
	})

	payment, err := w.payments.FindByID(ctx, job.PaymentID)
	if err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}
	if payment.Status != models.PaymentStatusCompleted {
		log.WithField("payment_status", payment.Status).Warn("Skipping confirmation for payment that is not completed")
		return nil
	}
	if payment.BookingID != job.BookingID {
		log.Warn("Skipping confirmation, job booking does not match payment")
		return nil
	}

	booking, err := w.bookings.FindByID(ctx, job.BookingID)
	if err != nil {
		return fmt.Errorf("failed to load booking: %w", err)
	}
	if booking.UserEmail == "" {
		log.Warn("Skipping confirmation, booking has no email")
		return nil
	}

	msg, err := RenderConfirmation(payment, booking)
	if err != nil {
		return err
	}

	if err := w.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send confirmation: %w", err)
	}

	log.WithField("to", msg.To).Info("Payment confirmation sent")
	return nil
}
