package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/staybook/booking-payments/internal/models"
)

// PaymentAuditRepository handles payment audit operations
type PaymentAuditRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentAuditRepository creates a new payment audit repository
func NewPaymentAuditRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentAuditRepository {
	return &PaymentAuditRepository{
		db:     db,
		logger: logger,
	}
}

// Log appends a payment audit entry. Rows are never updated or deleted.
func (r *PaymentAuditRepository) Log(ctx context.Context, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO payment_audits (
			id, payment_id, booking_id, payment_reference,
			event_type, event_source,
			expected_amount, received_amount, currency, amounts_match,
			payment_status, gateway_transaction_id,
			request_payload, response_payload, raw_body,
			http_status_code, http_method, endpoint_url,
			error_message, error_code,
			processing_time_ms, is_duplicate,
			ip_address, user_agent, device_info, correlation_id,
			created_at, processed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8, $9, $10,
			$11, $12,
			$13, $14, $15,
			$16, $17, $18,
			$19, $20,
			$21, $22,
			$23, $24, $25, $26,
			$27, $28
		)`

	_, err := r.db.ExecContext(ctx, query,
		audit.ID, audit.PaymentID, audit.BookingID, audit.PaymentReference,
		audit.EventType, audit.EventSource,
		audit.ExpectedAmount, audit.ReceivedAmount, audit.Currency, audit.AmountsMatch,
		audit.PaymentStatus, audit.GatewayTransactionID,
		audit.RequestPayload, audit.ResponsePayload, audit.RawBody,
		audit.HTTPStatusCode, audit.HTTPMethod, audit.EndpointURL,
		audit.ErrorMessage, audit.ErrorCode,
		audit.ProcessingTimeMs, audit.IsDuplicate,
		audit.IPAddress, audit.UserAgent, audit.DeviceInfo, audit.CorrelationID,
		audit.CreatedAt, audit.ProcessedAt,
	)

	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": audit.EventType,
			"reference":  audit.PaymentReference,
		}).Error("Failed to log payment audit")
		return fmt.Errorf("failed to log payment audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":   audit.ID,
		"event_type": audit.EventType,
		"reference":  audit.PaymentReference,
	}).Debug("Payment audit logged")

	return nil
}

// GetByReference retrieves all audit entries for a transaction reference, oldest first
func (r *PaymentAuditRepository) GetByReference(ctx context.Context, reference string) ([]*models.PaymentAudit, error) {
	audits := []*models.PaymentAudit{}
	query := `
		SELECT * FROM payment_audits
		WHERE payment_reference = $1
		ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &audits, query, reference); err != nil {
		return nil, fmt.Errorf("failed to get audits by reference: %w", err)
	}

	return audits, nil
}

// CountByEventType counts audit entries of one type for a reference
func (r *PaymentAuditRepository) CountByEventType(ctx context.Context, reference string, eventType models.PaymentEventType) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM payment_audits WHERE payment_reference = $1 AND event_type = $2`

	if err := r.db.GetContext(ctx, &count, query, reference, eventType); err != nil {
		return 0, fmt.Errorf("failed to count audits: %w", err)
	}
	return count, nil
}
