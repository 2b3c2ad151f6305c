package services

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/staybook/booking-payments/internal/models"
)

// NewReference builds a fresh transaction reference: tx-<12 hex>-<first 8 of booking id>
func NewReference(bookingID uuid.UUID) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("tx-%s-%s", token, models.ShortID(bookingID))
}
