package chapa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Signature headers Chapa sets on webhook deliveries. HeaderSignature signs the raw
// body; HeaderLegacySignature is HMAC-SHA256 of the secret keyed with itself.
const (
	HeaderSignature       = "x-chapa-signature"
	HeaderLegacySignature = "Chapa-Signature"
)

// WebhookEvent is the subset of a Chapa webhook body the booking flow reads.
// Status is informational only; the transaction is always re-verified.
type WebhookEvent struct {
	Event     string `json:"event"`
	TxRef     string `json:"tx_ref"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Currency  string `json:"currency"`
	Type      string `json:"type"`
}

// HasWebhookSecret reports whether webhook signatures can be checked
func (c *Client) HasWebhookSecret() bool {
	return c.config.WebhookSecret != ""
}

// VerifyWebhookSignature checks the body signature, or the legacy secret signature
// when the delivery carries only that header
func (c *Client) VerifyWebhookSignature(body []byte, signature, legacySignature string) bool {
	if signature != "" {
		return VerifySignature(c.config.WebhookSecret, body, signature)
	}
	return VerifyLegacySignature(c.config.WebhookSecret, legacySignature)
}

// VerifyLegacySignature compares signature with HMAC-SHA256(secret, secret) in constant time
func VerifyLegacySignature(secret, signature string) bool {
	return VerifySignature(secret, []byte(secret), signature)
}

// VerifySignature compares signature with HMAC-SHA256(secret, body) in constant time
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign returns the hex signature Chapa would send for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignLegacy returns the value Chapa sends in HeaderLegacySignature
func SignLegacy(secret string) string {
	return Sign(secret, []byte(secret))
}

// ParseWebhook decodes a webhook body and requires a tx_ref
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if event.TxRef == "" {
		return nil, fmt.Errorf("webhook missing tx_ref")
	}
	return &event, nil
}
