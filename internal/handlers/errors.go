package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/staybook/booking-payments/internal/models"
	"github.com/staybook/booking-payments/internal/services"
)

// statusForKind maps the payment failure taxonomy to HTTP
var statusForKind = map[services.Kind]int{
	services.KindNotFound:           http.StatusNotFound,
	services.KindInvalid:            http.StatusBadRequest,
	services.KindConflict:           http.StatusConflict,
	services.KindGatewayRejected:    http.StatusBadRequest,
	services.KindGatewayNotFound:    http.StatusBadRequest,
	services.KindGatewayUnreachable: http.StatusBadGateway,
	services.KindInternal:           http.StatusInternalServerError,
}

// initiateStatusForKind overrides statusForKind for checkout creation
var initiateStatusForKind = map[services.Kind]int{
	services.KindGatewayUnreachable: http.StatusBadRequest,
}

// respondError writes the error envelope for err. Internal errors are logged and
// never leak their text to the client.
func (h *PaymentHandler) respondError(c *gin.Context, err error) {
	h.respondErrorWith(c, err, nil)
}

// respondErrorWith is respondError with per-endpoint status overrides
func (h *PaymentHandler) respondErrorWith(c *gin.Context, err error, overrides map[services.Kind]int) {
	kind := services.KindOf(err)
	status, ok := overrides[kind]
	if !ok {
		status, ok = statusForKind[kind]
	}
	if !ok {
		status = http.StatusInternalServerError
	}

	resp := models.APIResponse{Status: "error"}

	switch kind {
	case services.KindGatewayRejected:
		resp.Message = "Payment gateway rejected the request"
	case services.KindGatewayNotFound:
		resp.Message = "Payment gateway has no record of this transaction"
	case services.KindGatewayUnreachable:
		resp.Message = "Payment gateway unavailable, please retry"
	case services.KindInternal:
		resp.Message = "Internal server error"
	default:
		var svcErr *services.Error
		if errors.As(err, &svcErr) {
			resp.Message = svcErr.Message
		}
	}

	if kind != services.KindInternal {
		if details := services.DetailsOf(err); details != "" {
			resp.Details = details
		}
	}

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"kind":   kind,
		"status": status,
		"path":   c.Request.URL.Path,
	})
	if status >= 500 {
		entry.Error("Payment request failed")
	} else {
		entry.Info("Payment request rejected")
	}

	_ = c.Error(err)
	c.JSON(status, resp)
}
