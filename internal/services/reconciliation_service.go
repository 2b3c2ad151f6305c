package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/staybook/booking-payments/internal/models"
)

// ReconcileConfig controls the pending payment sweep
type ReconcileConfig struct {
	// Schedule is a six-field cron expression (with seconds)
	Schedule     string
	PendingAfter time.Duration
	CheckoutTTL  time.Duration
	BatchSize    int
}

// Report summarises one sweep
type Report struct {
	Checked      int
	Completed    int
	Failed       int
	Cancelled    int
	StillPending int
	Errors       int
}

// ReconciliationService periodically re-verifies pending payments so a missed
// webhook or abandoned checkout does not leave a booking stuck.
type ReconciliationService struct {
	cron     *cron.Cron
	payments PaymentStore
	verifier *PaymentVerifier
	config   ReconcileConfig
	logger   *logrus.Logger
	now      func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(payments PaymentStore, verifier *PaymentVerifier, config ReconcileConfig, logger *logrus.Logger) *ReconciliationService {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Schedule == "" {
		config.Schedule = "0 */5 * * * *"
	}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &ReconciliationService{
		cron:     c,
		payments: payments,
		verifier: verifier,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Start schedules the sweep
func (s *ReconciliationService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(context.Background())

	_, err := s.cron.AddFunc(s.config.Schedule, s.sweepJob)
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation job: %w", err)
	}

	s.cron.Start()
	s.logger.WithField("schedule", s.config.Schedule).Info("✓ Reconciliation service started")
	return nil
}

// Stop cancels a running sweep and waits for it to return
func (s *ReconciliationService) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("✓ Reconciliation service stopped")
}

func (s *ReconciliationService) sweepJob() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	startTime := time.Now()
	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.WithError(err).Error("[CRON ERROR] Reconciliation sweep failed")
		return
	}
	if report.Checked == 0 {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"checked":       report.Checked,
		"completed":     report.Completed,
		"failed":        report.Failed,
		"cancelled":     report.Cancelled,
		"still_pending": report.StillPending,
		"errors":        report.Errors,
		"duration":      time.Since(startTime).String(),
	}).Info("[CRON] Reconciliation sweep finished")
}

// RunOnce checks one batch of pending payments older than PendingAfter. Payments
// past the checkout TTL are expired, younger ones are re-verified. A failure on one
// payment is counted and the sweep continues.
func (s *ReconciliationService) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	now := s.now()
	stale, err := s.payments.ListStalePending(ctx, now.Add(-s.config.PendingAfter), s.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list pending payments: %w", err)
	}

	meta := SystemMeta(models.PaymentSourceReconciliation)
	for _, payment := range stale {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		var (
			current *models.Payment
			err     error
		)
		if payment.CheckoutExpired(s.config.CheckoutTTL, now) {
			current, err = s.verifier.Expire(ctx, payment, meta)
		} else {
			var outcome *VerifyOutcome
			outcome, err = s.verifier.VerifyPayment(ctx, payment, meta)
			if outcome != nil {
				current = outcome.Payment
			}
		}

		if current == nil {
			report.Errors++
			s.logger.WithError(err).WithFields(logrus.Fields{
				"payment_id": payment.ID,
				"reference":  payment.TransactionReference,
			}).Warn("Reconciliation could not settle payment")
			continue
		}

		switch current.Status {
		case models.PaymentStatusCompleted:
			report.Completed++
		case models.PaymentStatusFailed:
			report.Failed++
		case models.PaymentStatusCancelled:
			report.Cancelled++
		default:
			report.StillPending++
		}
	}

	return report, nil
}
