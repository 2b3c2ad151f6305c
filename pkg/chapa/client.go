// Package chapa is a client for the Chapa payment gateway API.
//
// Only the two calls the booking flow needs are implemented:
// transaction/initialize and transaction/verify/{tx_ref}. The client never
// retries; every call is bounded by the http.Client timeout and the caller's context.
package chapa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL is the production API root
	DefaultBaseURL = "https://api.chapa.co/v1"

	// MaxTitleLength is the longest customization title Chapa accepts
	MaxTitleLength = 16

	// MaxReferenceLength is the longest tx_ref Chapa accepts
	MaxReferenceLength = 50

	maxBodyBytes = 1 << 20
)

// customizationCleaner strips characters Chapa refuses in customization fields
var customizationCleaner = regexp.MustCompile(`[^A-Za-z0-9 ._\-]`)

// Config is the client's injected configuration
type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// Client talks to the Chapa REST API
type Client struct {
	config Config
	logger *logrus.Logger
	client *http.Client
}

// NewClient creates a new Chapa client
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		config: cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

// Customer holds the payer identity sent with the checkout
type Customer struct {
	Email       string
	FirstName   string
	LastName    string
	PhoneNumber string
}

// InitializeRequest describes one checkout to create
type InitializeRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Reference   string
	Customer    Customer
	CallbackURL string
	ReturnURL   string
	Title       string
	Description string
}

// InitializeResult is a successful checkout creation
type InitializeResult struct {
	CheckoutURL string
	Message     string
	StatusCode  int
	RawBody     string
}

// ExternalStatus is the provider's view of a transaction, normalised
type ExternalStatus string

const (
	StatusSuccess ExternalStatus = "success"
	StatusPending ExternalStatus = "pending"
	StatusFailed  ExternalStatus = "failed"
)

// VerifyResult is the provider's record of a transaction
type VerifyResult struct {
	Status        ExternalStatus
	RawStatus     string
	TxRef         string
	TransactionID string // Chapa's own reference for the charge
	PaymentMethod string
	Amount        decimal.Decimal
	Currency      string
	StatusCode    int
	RawBody       string
}

type initializePayload struct {
	Amount        string        `json:"amount"`
	Currency      string        `json:"currency"`
	Email         string        `json:"email,omitempty"`
	FirstName     string        `json:"first_name,omitempty"`
	LastName      string        `json:"last_name,omitempty"`
	PhoneNumber   string        `json:"phone_number,omitempty"`
	TxRef         string        `json:"tx_ref"`
	CallbackURL   string        `json:"callback_url,omitempty"`
	ReturnURL     string        `json:"return_url,omitempty"`
	Customization customization `json:"customization"`
}

type customization struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type envelope struct {
	Message json.RawMessage `json:"message"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

type initializeData struct {
	CheckoutURL string `json:"checkout_url"`
}

type verifyData struct {
	Status        string          `json:"status"`
	TxRef         string          `json:"tx_ref"`
	Reference     string          `json:"reference"`
	Method        string          `json:"method"`
	PaymentMethod string          `json:"payment_method"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// ============================================================================
// API CALLS
// ============================================================================

// Initialize creates a hosted checkout and returns its URL.
// Succeeds only on HTTP 200 with status "success" and a non-empty checkout_url.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if req.Reference == "" {
		return nil, &Error{Kind: KindRejected, Message: "tx_ref is required"}
	}
	if len(req.Reference) > MaxReferenceLength {
		return nil, &Error{Kind: KindRejected, Message: fmt.Sprintf("tx_ref exceeds %d characters", MaxReferenceLength)}
	}

	payload := initializePayload{
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		Email:       req.Customer.Email,
		FirstName:   req.Customer.FirstName,
		LastName:    req.Customer.LastName,
		PhoneNumber: req.Customer.PhoneNumber,
		TxRef:       req.Reference,
		CallbackURL: req.CallbackURL,
		ReturnURL:   req.ReturnURL,
		Customization: customization{
			Title:       truncate(cleanCustomization(req.Title), MaxTitleLength),
			Description: cleanCustomization(req.Description),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize request: %w", err)
	}

	endpoint := c.config.BaseURL + "/transaction/initialize"

	c.logger.WithFields(logrus.Fields{
		"reference": req.Reference,
		"amount":    payload.Amount,
		"currency":  payload.Currency,
	}).Info("Initializing Chapa transaction")

	statusCode, raw, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(statusCode, raw)
	if err != nil {
		return nil, err
	}

	if statusCode != http.StatusOK || env.Status != "success" {
		return nil, c.providerError(statusCode, env, raw)
	}

	var data initializeData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, &Error{Kind: KindRejected, StatusCode: statusCode, Message: "malformed checkout data", Err: err}
		}
	}
	if data.CheckoutURL == "" {
		return nil, &Error{Kind: KindRejected, StatusCode: statusCode, Message: "no checkout_url returned"}
	}

	c.logger.WithFields(logrus.Fields{
		"reference":    req.Reference,
		"checkout_url": data.CheckoutURL,
	}).Info("Chapa transaction initialized")

	return &InitializeResult{
		CheckoutURL: data.CheckoutURL,
		Message:     messageText(env.Message),
		StatusCode:  statusCode,
		RawBody:     string(raw),
	}, nil
}

// Verify fetches the provider's record for a reference
func (c *Client) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	if reference == "" {
		return nil, &Error{Kind: KindRejected, Message: "tx_ref is required"}
	}

	endpoint := c.config.BaseURL + "/transaction/verify/" + url.PathEscape(reference)

	c.logger.WithField("reference", reference).Debug("Verifying Chapa transaction")

	statusCode, raw, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(statusCode, raw)
	if err != nil {
		return nil, err
	}

	if statusCode != http.StatusOK || env.Status != "success" {
		return nil, c.providerError(statusCode, env, raw)
	}

	var data verifyData
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &Error{Kind: KindNotFound, StatusCode: statusCode, Message: messageOr(env.Message, "transaction not found")}
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &Error{Kind: KindRejected, StatusCode: statusCode, Message: "malformed verification data", Err: err}
	}

	method := data.PaymentMethod
	if method == "" {
		method = data.Method
	}

	result := &VerifyResult{
		Status:        normaliseStatus(data.Status),
		RawStatus:     data.Status,
		TxRef:         data.TxRef,
		TransactionID: data.Reference,
		PaymentMethod: method,
		Amount:        data.Amount,
		Currency:      strings.ToUpper(data.Currency),
		StatusCode:    statusCode,
		RawBody:       string(raw),
	}

	c.logger.WithFields(logrus.Fields{
		"reference":      reference,
		"status":         result.Status,
		"transaction_id": result.TransactionID,
	}).Info("Chapa transaction verified")

	return result, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build chapa request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.WithError(err).WithField("endpoint", endpoint).Error("Failed to call Chapa endpoint")
		return 0, nil, unreachable(err, "request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, &Error{Kind: KindUnreachable, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"endpoint":    endpoint,
		"status_code": resp.StatusCode,
		"latency_ms":  time.Since(start).Milliseconds(),
	}).Debug("Chapa response received")

	return resp.StatusCode, raw, nil
}

// decodeEnvelope parses the standard {message,status,data} body.
// A 5xx or an unparseable body is treated as the provider being unavailable.
func decodeEnvelope(statusCode int, raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if statusCode == http.StatusNotFound {
			return nil, &Error{Kind: KindNotFound, StatusCode: statusCode, Message: "transaction not found"}
		}
		return nil, &Error{Kind: KindUnreachable, StatusCode: statusCode, Message: "invalid response body", Err: err}
	}
	if statusCode >= http.StatusInternalServerError {
		return nil, &Error{Kind: KindUnreachable, StatusCode: statusCode, Message: messageOr(env.Message, http.StatusText(statusCode))}
	}
	return &env, nil
}

func (c *Client) providerError(statusCode int, env *envelope, raw []byte) *Error {
	msg := messageOr(env.Message, fmt.Sprintf("status=%s", env.Status))

	kind := KindRejected
	if statusCode == http.StatusNotFound || isNotFoundMessage(msg) {
		kind = KindNotFound
	}

	c.logger.WithFields(logrus.Fields{
		"status_code": statusCode,
		"kind":        kind,
		"message":     msg,
		"response":    string(raw),
	}).Warn("Chapa returned non-success response")

	return &Error{Kind: kind, StatusCode: statusCode, Message: msg}
}

func isNotFoundMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "invalid transaction")
}

// messageText flattens Chapa's message field, which is a string or a validation object
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}

func messageOr(raw json.RawMessage, fallback string) string {
	if msg := messageText(raw); msg != "" {
		return msg
	}
	return fallback
}

func normaliseStatus(s string) ExternalStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "completed":
		return StatusSuccess
	case "pending", "processing":
		return StatusPending
	default:
		return StatusFailed
	}
}

func cleanCustomization(s string) string {
	return strings.TrimSpace(customizationCleaner.ReplaceAllString(s, ""))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
