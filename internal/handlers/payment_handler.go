package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/staybook/booking-payments/internal/database"
	"github.com/staybook/booking-payments/internal/middleware"
	"github.com/staybook/booking-payments/internal/models"
	"github.com/staybook/booking-payments/internal/services"
	"github.com/staybook/booking-payments/internal/utils"
	"github.com/staybook/booking-payments/pkg/chapa"
)

// Initiator starts checkouts. Implemented by services.PaymentInitiator.
type Initiator interface {
	Initiate(ctx context.Context, in services.InitiateInput) (*services.InitiateResult, error)
}

// Verifier confirms payments. Implemented by services.PaymentVerifier.
type Verifier interface {
	Verify(ctx context.Context, reference string, meta services.RequestMeta) (*services.VerifyOutcome, error)
}

// PaymentLookup reads payments by reference
type PaymentLookup interface {
	FindByReference(ctx context.Context, reference string) (*models.Payment, error)
}

// WebhookAuthenticator checks provider webhook signatures. Implemented by chapa.Client.
type WebhookAuthenticator interface {
	HasWebhookSecret() bool
	VerifyWebhookSignature(body []byte, signature, legacySignature string) bool
}

// PaymentHandler serves the payment endpoints
type PaymentHandler struct {
	initiator Initiator
	verifier  Verifier
	payments  PaymentLookup
	webhooks  WebhookAuthenticator
	audit     *services.AuditService
	logger    *logrus.Logger
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(
	initiator Initiator,
	verifier Verifier,
	payments PaymentLookup,
	webhooks WebhookAuthenticator,
	audit *services.AuditService,
	logger *logrus.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		initiator: initiator,
		verifier:  verifier,
		payments:  payments,
		webhooks:  webhooks,
		audit:     audit,
		logger:    logger,
	}
}

// RegisterRoutes mounts the payment endpoints on group
func (h *PaymentHandler) RegisterRoutes(group *gin.RouterGroup) {
	payments := group.Group("/payments")
	{
		payments.POST("/initiate", h.InitiatePayment)
		payments.GET("/verify", h.VerifyPayment)
		payments.POST("/verify", h.VerifyPayment)
		payments.POST("/webhook", h.Webhook)
		payments.GET("/:reference", h.GetPayment)
	}
}

// InitiatePayment handles POST /api/payments/initiate
// @Summary Initiate a booking payment
// @Description Creates a Chapa checkout for the booking, or returns the live pending one
// @Tags Payments
// @Accept json
// @Produce json
// @Param request body models.InitiatePaymentRequest true "Booking and optional contact overrides"
// @Success 201 {object} models.APIResponse
// @Success 200 {object} models.APIResponse "Existing pending checkout"
// @Failure 400 {object} models.APIResponse
// @Failure 404 {object} models.APIResponse
// @Router /payments/initiate [post]
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req models.InitiatePaymentRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Status:  "error",
			Message: "Invalid request body",
			Details: err.Error(),
		})
		return
	}

	result, err := h.initiator.Initiate(c.Request.Context(), services.InitiateInput{
		BookingID:   req.BookingID,
		PhoneNumber: req.PhoneNumber,
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		ReturnURL:   req.ReturnURL,
		Meta:        h.requestMeta(c, models.PaymentSourceUser),
	})
	if err != nil {
		h.respondErrorWith(c, err, initiateStatusForKind)
		return
	}

	data := models.InitiatePaymentData{
		CheckoutURL:          result.CheckoutURL,
		PaymentID:            result.PaymentID,
		TransactionReference: result.Reference,
	}

	if result.Reused {
		c.JSON(http.StatusOK, models.APIResponse{
			Status:  "success",
			Message: "Payment already initiated",
			Data:    data,
		})
		return
	}

	c.JSON(http.StatusCreated, models.APIResponse{
		Status:  "success",
		Message: "Payment initiated successfully",
		Data:    data,
	})
}

// VerifyPayment handles GET and POST /api/payments/verify
// @Summary Verify a payment
// @Description Confirms the payment with Chapa. Accepts tx_ref, or trx_ref as sent by Chapa callbacks.
// @Tags Payments
// @Produce json
// @Param tx_ref query string false "Transaction reference"
// @Param trx_ref query string false "Transaction reference (callback alias)"
// @Success 200 {object} models.APIResponse
// @Failure 400 {object} models.APIResponse
// @Failure 404 {object} models.APIResponse
// @Failure 502 {object} models.APIResponse
// @Router /payments/verify [get]
func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	var req models.VerifyPaymentRequest
	_ = c.ShouldBindQuery(&req)
	if req.Reference() == "" && c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		if err := c.ShouldBind(&req); err != nil {
			h.logger.WithError(err).Debug("Failed to bind verify body")
		}
	}

	source := models.PaymentSourceUser
	if req.TxRef == "" && req.TrxRef != "" {
		source = models.PaymentSourceChapaCallback
	}

	outcome, err := h.verifier.Verify(c.Request.Context(), req.Reference(), h.requestMeta(c, source))
	if err != nil {
		h.respondError(c, err)
		return
	}

	payment := outcome.Payment
	switch payment.Status {
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Status:  "error",
			Message: "Payment failed",
			Data: gin.H{
				"payment_id":     payment.ID,
				"payment_status": payment.Status,
			},
		})
	case models.PaymentStatusPending:
		c.JSON(http.StatusOK, models.APIResponse{
			Status:  "success",
			Message: "Payment is still pending",
			Data:    payment.ToStatusData(),
		})
	default:
		c.JSON(http.StatusOK, models.APIResponse{
			Status:  "success",
			Message: "Payment verified successfully",
			Data:    payment.ToStatusData(),
		})
	}
}

// Webhook handles POST /api/payments/webhook
// @Summary Chapa webhook
// @Description The body only identifies the transaction; its status is always re-confirmed with Chapa
// @Tags Payments
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "Webhook acknowledged"
// @Failure 401 {object} map[string]interface{} "Invalid signature"
// @Failure 502 {object} map[string]interface{} "Gateway unavailable, retry later"
// @Router /payments/webhook [post]
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.logger.WithError(err).Error("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	meta := h.requestMeta(c, models.PaymentSourceChapaWebhook)
	received := h.audit.Event(models.PaymentEventWebhookReceived, meta).SetRawBody(string(body))

	if h.webhooks != nil && h.webhooks.HasWebhookSecret() {
		signature := c.GetHeader(chapa.HeaderSignature)
		legacy := c.GetHeader(chapa.HeaderLegacySignature)
		if !h.webhooks.VerifyWebhookSignature(body, signature, legacy) {
			h.audit.Record(c.Request.Context(), received.SetError("invalid webhook signature", nil), meta)
			h.logger.WithField("ip", meta.IPAddress).Warn("Rejected webhook with invalid signature")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	event, err := chapa.ParseWebhook(body)
	if err != nil {
		h.audit.Record(c.Request.Context(), received.SetError(err.Error(), nil), meta)
		h.logger.WithError(err).Warn("Failed to parse webhook payload")
		// Acknowledged so the provider stops retrying a payload we can never use
		c.JSON(http.StatusOK, gin.H{"error": "invalid webhook payload", "acknowledged": true})
		return
	}

	received.SetPaymentReference(event.TxRef).SetPaymentStatus(event.Status)
	h.audit.Record(c.Request.Context(), received, meta)

	h.logger.WithFields(logrus.Fields{
		"reference": event.TxRef,
		"event":     event.Event,
		"status":    event.Status,
	}).Info("Chapa webhook received")

	outcome, err := h.verifier.Verify(c.Request.Context(), event.TxRef, meta)
	if err != nil {
		if services.KindOf(err) == services.KindGatewayUnreachable {
			h.logger.WithError(err).WithField("reference", event.TxRef).Error("Gateway unreachable while processing webhook")
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable"})
			return
		}
		h.logger.WithError(err).WithField("reference", event.TxRef).Warn("Webhook could not be applied")
		c.JSON(http.StatusOK, gin.H{
			"message":      "webhook acknowledged",
			"acknowledged": true,
			"note":         services.DetailsOf(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "webhook processed",
		"acknowledged":   true,
		"payment_status": outcome.Payment.Status,
	})
}

// GetPayment handles GET /api/payments/:reference
// @Summary Get payment by reference
// @Tags Payments
// @Produce json
// @Param reference path string true "Transaction reference"
// @Success 200 {object} models.APIResponse
// @Failure 404 {object} models.APIResponse
// @Router /payments/{reference} [get]
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	payment, err := h.payments.FindByReference(c.Request.Context(), c.Param("reference"))
	if err != nil {
		if errors.Is(err, database.ErrPaymentNotFound) {
			h.respondError(c, services.ErrPaymentNotFound)
			return
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Status: "success",
		Data:   payment.ToStatusData(),
	})
}

func (h *PaymentHandler) requestMeta(c *gin.Context, source models.PaymentEventSource) services.RequestMeta {
	return services.RequestMeta{
		Source:        source,
		IPAddress:     utils.GetRealIP(c),
		UserAgent:     utils.GetUserAgent(c),
		CorrelationID: middleware.GetCorrelationID(c),
	}
}
