package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/staybook/booking-payments/internal/models"
	"github.com/staybook/booking-payments/internal/utils"
)

// RequestMeta describes where a payment operation came from
type RequestMeta struct {
	Source        models.PaymentEventSource
	IPAddress     string
	UserAgent     string
	CorrelationID string
}

// SystemMeta is the metadata for operations started inside the process
func SystemMeta(source models.PaymentEventSource) RequestMeta {
	return RequestMeta{Source: source}
}

func (m RequestMeta) source() models.PaymentEventSource {
	if m.Source == "" {
		return models.PaymentSourceBackend
	}
	return m.Source
}

// AuditService writes payment audit rows. Failures are logged and never returned.
type AuditService struct {
	store  AuditStore
	logger *logrus.Logger
}

// NewAuditService creates a new audit service. store may be nil to disable auditing.
func NewAuditService(store AuditStore, logger *logrus.Logger) *AuditService {
	return &AuditService{store: store, logger: logger}
}

// Record stamps the audit with request metadata and stores it
func (s *AuditService) Record(ctx context.Context, audit *models.PaymentAudit, meta RequestMeta) {
	if s == nil || s.store == nil || audit == nil {
		return
	}

	audit.SetMetadata(meta.IPAddress, meta.UserAgent, meta.CorrelationID)
	if meta.UserAgent != "" {
		audit.SetDeviceInfo(utils.ParseUserAgent(meta.UserAgent).ToMap())
	}

	// The audit row must survive a client disconnect
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.store.Log(writeCtx, audit); err != nil {
		fields := logrus.Fields{"event_type": audit.EventType}
		if audit.PaymentReference != nil {
			fields["reference"] = *audit.PaymentReference
		}
		s.logger.WithError(err).WithFields(fields).Error("Failed to write payment audit")
	}
}

// Event starts an audit row with the event source taken from meta
func (s *AuditService) Event(eventType models.PaymentEventType, meta RequestMeta) *models.PaymentAudit {
	return models.NewPaymentAudit(eventType, meta.source())
}
