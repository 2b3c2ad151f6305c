package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/staybook/booking-payments/internal/database"
	"github.com/staybook/booking-payments/internal/models"
	"github.com/staybook/booking-payments/internal/notification"
	"github.com/staybook/booking-payments/pkg/chapa"
)

// VerifierConfig tunes the verifier
type VerifierConfig struct {
	// EnqueueTimeout bounds the notification enqueue after a completion
	EnqueueTimeout time.Duration
}

// VerifyOutcome is the payment state after a verification
type VerifyOutcome struct {
	Payment *models.Payment
	// Transitioned is true only for the call that applied the status change
	Transitioned bool
	// AlreadyFinal is true when the payment was terminal before the call
	AlreadyFinal bool
}

// PaymentVerifier confirms payments with the gateway and applies the result exactly once
type PaymentVerifier struct {
	payments   PaymentStore
	gateway    Gateway
	dispatcher notification.Dispatcher
	audit      *AuditService
	config     VerifierConfig
	logger     *logrus.Logger
	now        func() time.Time
}

// NewPaymentVerifier creates a new verifier
func NewPaymentVerifier(
	payments PaymentStore,
	gateway Gateway,
	dispatcher notification.Dispatcher,
	audit *AuditService,
	config VerifierConfig,
	logger *logrus.Logger,
) *PaymentVerifier {
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = 2 * time.Second
	}
	return &PaymentVerifier{
		payments:   payments,
		gateway:    gateway,
		dispatcher: dispatcher,
		audit:      audit,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// Verify resolves reference and applies the gateway's verdict. Terminal payments
// are returned as stored without contacting the gateway.
func (s *PaymentVerifier) Verify(ctx context.Context, reference string, meta RequestMeta) (*VerifyOutcome, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrMissingReference
	}

	payment, err := s.payments.FindByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, database.ErrPaymentNotFound) {
			return nil, ErrPaymentNotFound.WithDetails("no payment with reference %s", reference)
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	return s.VerifyPayment(ctx, payment, meta)
}

// VerifyPayment is Verify for an already loaded payment
func (s *PaymentVerifier) VerifyPayment(ctx context.Context, payment *models.Payment, meta RequestMeta) (*VerifyOutcome, error) {
	s.audit.Record(ctx, s.audit.Event(models.PaymentEventStatusCheckRequest, meta).ForPayment(payment), meta)

	if payment.Status.IsTerminal() {
		s.audit.Record(ctx, s.audit.Event(models.PaymentEventDuplicateVerification, meta).ForPayment(payment).MarkAsDuplicate(), meta)
		return &VerifyOutcome{Payment: payment, AlreadyFinal: true}, nil
	}

	result, err := s.checkGateway(ctx, payment, meta)
	if err != nil {
		return nil, err
	}

	return s.apply(ctx, payment, result, meta)
}

// Expire closes a pending payment whose checkout is no longer trusted. The gateway is
// asked first so a late success still completes; otherwise the payment is cancelled.
// An unreachable gateway or a captured amount that does not match leaves the payment untouched.
func (s *PaymentVerifier) Expire(ctx context.Context, payment *models.Payment, meta RequestMeta) (*models.Payment, error) {
	if payment.Status != models.PaymentStatusPending {
		return payment, nil
	}

	result, err := s.checkGateway(ctx, payment, meta)
	if err != nil && !errors.Is(err, chapa.ErrNotFound) {
		return nil, err
	}

	if err == nil && result.Status == chapa.StatusSuccess {
		outcome, err := s.apply(ctx, payment, result, meta)
		if err != nil {
			return nil, err
		}
		return outcome.Payment, nil
	}

	outcome, err := s.transition(ctx, payment, models.PaymentStatusCancelled, models.TransitionFields{})
	if err != nil {
		return nil, err
	}
	if outcome.Transitioned {
		s.audit.Record(ctx, s.audit.Event(models.PaymentEventCancelled, meta).ForPayment(outcome.Payment), meta)
		s.logger.WithFields(logrus.Fields{
			"payment_id": payment.ID,
			"reference":  payment.TransactionReference,
		}).Info("Expired pending payment cancelled")
	}
	return outcome.Payment, nil
}

func (s *PaymentVerifier) checkGateway(ctx context.Context, payment *models.Payment, meta RequestMeta) (*chapa.VerifyResult, error) {
	started := time.Now()
	result, err := s.gateway.Verify(ctx, payment.TransactionReference)

	audit := s.audit.Event(models.PaymentEventStatusCheckResponse, meta).ForPayment(payment).SetProcessingTime(started)
	if err != nil {
		audit.SetError(err.Error(), strPtr(string(chapa.KindOf(err))))
		s.audit.Record(ctx, audit, meta)
		s.logger.WithError(err).WithField("reference", payment.TransactionReference).Warn("Chapa verification failed")
		return nil, err
	}

	audit.SetPaymentStatus(result.RawStatus).
		SetGatewayTransactionID(result.TransactionID).
		SetHTTPDetails("GET", "transaction/verify/"+payment.TransactionReference, result.StatusCode).
		SetRawBody(result.RawBody)
	s.audit.Record(ctx, audit, meta)
	return result, nil
}

func (s *PaymentVerifier) apply(ctx context.Context, payment *models.Payment, result *chapa.VerifyResult, meta RequestMeta) (*VerifyOutcome, error) {
	log := s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"reference":  payment.TransactionReference,
		"status":     result.RawStatus,
	})

	switch result.Status {
	case chapa.StatusPending:
		log.Info("Payment still pending at gateway")
		return &VerifyOutcome{Payment: payment}, nil

	case chapa.StatusSuccess:
		check := s.audit.Event(models.PaymentEventReconciliationMismatch, meta).ForPayment(payment)
		if !check.SetAmounts(payment.Amount, result.Amount, payment.Currency, result.Currency) {
			log.WithFields(logrus.Fields{
				"expected": payment.Amount.StringFixed(2) + " " + payment.Currency,
				"received": result.Amount.StringFixed(2) + " " + result.Currency,
			}).Error("Gateway amount does not match payment")
			s.audit.Record(ctx, check.SetPaymentStatus(result.RawStatus).SetGatewayTransactionID(result.TransactionID), meta)

			// Stays pending and keeps the booking's active slot until an operator resolves it
			return &VerifyOutcome{Payment: payment}, ErrAmountMismatch.WithDetails("expected %s %s, gateway reported %s %s",
				payment.Amount.StringFixed(2), payment.Currency, result.Amount.StringFixed(2), result.Currency)
		}
		return s.complete(ctx, payment, result, meta)

	default:
		return s.fail(ctx, payment, result, meta)
	}
}

func (s *PaymentVerifier) complete(ctx context.Context, payment *models.Payment, result *chapa.VerifyResult, meta RequestMeta) (*VerifyOutcome, error) {
	method := result.PaymentMethod
	if method == "" {
		method = "Unknown"
	}
	completedAt := s.now().UTC()
	confirmed := models.BookingStatusConfirmed

	outcome, err := s.transition(ctx, payment, models.PaymentStatusCompleted, models.TransitionFields{
		GatewayTransactionID: nonEmpty(result.TransactionID),
		PaymentMethod:        &method,
		CompletedAt:          &completedAt,
		BookingStatus:        &confirmed,
	})
	if err != nil || !outcome.Transitioned {
		return outcome, err
	}

	completed := outcome.Payment
	s.audit.Record(ctx, s.audit.Event(models.PaymentEventSuccess, meta).ForPayment(completed), meta)
	s.audit.Record(ctx, s.audit.Event(models.PaymentEventBookingConfirmed, meta).ForPayment(completed), meta)

	s.logger.WithFields(logrus.Fields{
		"payment_id": completed.ID,
		"booking_id": completed.BookingID,
		"reference":  completed.TransactionReference,
		"method":     method,
	}).Info("Payment completed and booking confirmed")

	s.notify(ctx, completed, meta)
	return outcome, nil
}

func (s *PaymentVerifier) fail(ctx context.Context, payment *models.Payment, result *chapa.VerifyResult, meta RequestMeta) (*VerifyOutcome, error) {
	outcome, err := s.transition(ctx, payment, models.PaymentStatusFailed, models.TransitionFields{
		GatewayTransactionID: nonEmpty(result.TransactionID),
	})
	if err != nil {
		return nil, err
	}
	if outcome.Transitioned {
		s.audit.Record(ctx, s.audit.Event(models.PaymentEventFailed, meta).ForPayment(outcome.Payment).SetPaymentStatus(result.RawStatus), meta)
		s.logger.WithFields(logrus.Fields{
			"payment_id": payment.ID,
			"reference":  payment.TransactionReference,
			"status":     result.RawStatus,
		}).Warn("Payment failed at gateway")
	}
	return outcome, nil
}

// transition applies pending -> next. Losing the compare-and-swap is not an error:
// the winner's state is re-read and returned.
func (s *PaymentVerifier) transition(ctx context.Context, payment *models.Payment, next models.PaymentStatus, fields models.TransitionFields) (*VerifyOutcome, error) {
	updated, err := s.payments.TransitionStatus(ctx, payment.ID, models.PaymentStatusPending, next, fields)
	if err == nil {
		return &VerifyOutcome{Payment: updated, Transitioned: true}, nil
	}
	if !errors.Is(err, database.ErrStaleTransition) {
		return nil, fmt.Errorf("failed to update payment %s: %w", payment.TransactionReference, err)
	}

	current, err := s.payments.FindByID(ctx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload payment after conflict: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"wanted":     next,
		"current":    current.Status,
	}).Info("Payment already transitioned by a concurrent verification")
	return &VerifyOutcome{Payment: current}, nil
}

func (s *PaymentVerifier) notify(ctx context.Context, payment *models.Payment, meta RequestMeta) {
	if s.dispatcher == nil {
		return
	}

	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.EnqueueTimeout)
	defer cancel()

	err := s.dispatcher.Enqueue(enqueueCtx, notification.Job{PaymentID: payment.ID, BookingID: payment.BookingID})
	if err == nil {
		return
	}

	s.logger.WithError(err).WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"booking_id": payment.BookingID,
	}).Error("Failed to enqueue payment confirmation")
	s.audit.Record(ctx, s.audit.Event(models.PaymentEventNotificationFailed, meta).ForPayment(payment).SetError(err.Error(), nil), meta)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
