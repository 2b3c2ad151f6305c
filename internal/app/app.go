package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/staybook/booking-payments/internal/config"
	"github.com/staybook/booking-payments/internal/database"
	"github.com/staybook/booking-payments/internal/notification"
	"github.com/staybook/booking-payments/internal/services"
	"github.com/staybook/booking-payments/pkg/chapa"
)

const memoryRetryDelay = 10 * time.Second

// App holds the payment components shared by the server and paymentctl
type App struct {
	Config *config.Config
	Logger *logrus.Logger
	DB     *database.PostgresDB

	Payments *database.PaymentRepository
	Bookings *database.BookingRepository
	Audits   *database.PaymentAuditRepository

	Chapa  *chapa.Client
	Queue  notification.Queue
	Mailer notification.Mailer

	Audit      *services.AuditService
	Verifier   *services.PaymentVerifier
	Initiator  *services.PaymentInitiator
	Reconciler *services.ReconciliationService
}

// NewLogger returns the JSON logrus logger used by every binary
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	return logger
}

// New connects to the database and the notification backend and wires the services
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.WithField("driver", cfg.Database.Driver).Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.DB); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("Database schema applied")
	}

	queue, err := newQueue(ctx, cfg.Notification, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Payments: database.NewPaymentRepository(db.DB, cfg.Database.QueryTimeout),
		Bookings: database.NewBookingRepository(db.DB, cfg.Database.QueryTimeout),
		Audits:   database.NewPaymentAuditRepository(db.DB, logger),
		Chapa: chapa.NewClient(chapa.Config{
			BaseURL:       cfg.Chapa.BaseURL,
			SecretKey:     cfg.Chapa.SecretKey,
			WebhookSecret: cfg.Chapa.WebhookSecret,
			Timeout:       cfg.Chapa.Timeout,
		}, logger),
		Queue:  queue,
		Mailer: newMailer(cfg.Notification.SMTP, logger),
	}

	a.Audit = services.NewAuditService(a.Audits, logger)
	a.Verifier = services.NewPaymentVerifier(a.Payments, a.Chapa, a.Queue, a.Audit, services.VerifierConfig{
		EnqueueTimeout: cfg.Notification.EnqueueTimeout,
	}, logger)
	a.Initiator = services.NewPaymentInitiator(a.Payments, a.Bookings, a.Chapa, a.Verifier, a.Audit, services.InitiatorConfig{
		Currency:    cfg.Payment.Currency,
		CallbackURL: cfg.Chapa.CallbackURL,
		ReturnURL:   cfg.Chapa.ReturnURL,
		CheckoutTTL: cfg.Payment.CheckoutTTL,
	}, logger)
	a.Reconciler = services.NewReconciliationService(a.Payments, a.Verifier, services.ReconcileConfig{
		Schedule:     cfg.Reconcile.Schedule,
		PendingAfter: cfg.Reconcile.PendingAfter,
		CheckoutTTL:  cfg.Payment.CheckoutTTL,
		BatchSize:    cfg.Reconcile.BatchSize,
	}, logger)

	return a, nil
}

// NewWorker builds the confirmation email worker over the app's queue
func (a *App) NewWorker() *notification.Worker {
	return notification.NewWorker(a.Queue, a.Payments, a.Bookings, a.Mailer, a.Logger)
}

// Close releases the queue and the database
func (a *App) Close() error {
	var firstErr error
	if err := a.Queue.Close(); err != nil {
		firstErr = err
	}
	if err := a.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func newQueue(ctx context.Context, cfg config.NotificationConfig, logger *logrus.Logger) (notification.Queue, error) {
	switch cfg.Backend {
	case "redis":
		client, err := notification.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.WithField("queue", cfg.QueueName).Info("Using Redis notification queue")
		return notification.NewRedisQueue(client, cfg.QueueName, cfg.MaxAttempts, logger), nil
	case "sqs":
		client, err := notification.NewSQSClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		logger.WithField("queue_url", cfg.SQSQueueURL).Info("Using SQS notification queue")
		return notification.NewSQSQueue(client, cfg.SQSQueueURL, cfg.MaxAttempts, logger), nil
	case "memory", "":
		logger.Info("Using in-process notification queue")
		return notification.NewMemoryQueue(cfg.BufferSize, cfg.MaxAttempts, memoryRetryDelay, logger), nil
	default:
		return nil, fmt.Errorf("unknown notification backend %q", cfg.Backend)
	}
}

func newMailer(cfg config.SMTPConfig, logger *logrus.Logger) notification.Mailer {
	if !cfg.Enabled() {
		logger.Info("SMTP not configured, confirmation emails will be logged only")
		return notification.NewLogMailer(logger)
	}
	return notification.NewSMTPMailer(notification.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	})
}
