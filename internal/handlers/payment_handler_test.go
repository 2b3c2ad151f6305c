package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staybook/booking-payments/internal/database"
	"github.com/staybook/booking-payments/internal/middleware"
	"github.com/staybook/booking-payments/internal/models"
	"github.com/staybook/booking-payments/internal/services"
	"github.com/staybook/booking-payments/pkg/chapa"
)

type stubInitiator struct {
	got    services.InitiateInput
	result *services.InitiateResult
	err    error
}

func (s *stubInitiator) Initiate(ctx context.Context, in services.InitiateInput) (*services.InitiateResult, error) {
	s.got = in
	return s.result, s.err
}

type stubVerifier struct {
	gotRef  string
	gotMeta services.RequestMeta
	calls   int
	payment *models.Payment
	err     error
}

func (s *stubVerifier) Verify(ctx context.Context, reference string, meta services.RequestMeta) (*services.VerifyOutcome, error) {
	s.calls++
	s.gotRef = reference
	s.gotMeta = meta
	if s.err != nil {
		return nil, s.err
	}
	return &services.VerifyOutcome{Payment: s.payment}, nil
}

type stubLookup map[string]*models.Payment

func (s stubLookup) FindByReference(ctx context.Context, reference string) (*models.Payment, error) {
	p, ok := s[reference]
	if !ok {
		return nil, database.ErrPaymentNotFound
	}
	return p, nil
}

type signatureChecker struct{ secret string }

func (s signatureChecker) HasWebhookSecret() bool { return s.secret != "" }

func (s signatureChecker) VerifyWebhookSignature(body []byte, signature, legacySignature string) bool {
	if signature != "" {
		return chapa.VerifySignature(s.secret, body, signature)
	}
	return chapa.VerifyLegacySignature(s.secret, legacySignature)
}

func samplePayment(status models.PaymentStatus) *models.Payment {
	txID := "APi4zEyk7ZP"
	return &models.Payment{
		ID:                   uuid.New(),
		BookingID:            uuid.New(),
		TransactionReference: "tx-0123456789ab-3f2a9c1e",
		Amount:               decimal.RequireFromString("1000"),
		Currency:             "ETB",
		Status:               status,
		GatewayTransactionID: &txID,
	}
}

func setupRouter(h *PaymentHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.CorrelationID())
	h.RegisterRoutes(router.Group("/api"))
	return router
}

func newTestHandler(init *stubInitiator, ver *stubVerifier, lookup stubLookup, webhooks WebhookAuthenticator) *PaymentHandler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewPaymentHandler(init, ver, lookup, webhooks, services.NewAuditService(nil, logger), logger)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestInitiatePayment(t *testing.T) {
	paymentID := uuid.New()

	tests := []struct {
		name       string
		body       string
		result     *services.InitiateResult
		err        error
		wantStatus int
		wantMsg    string
		wantDetail string
	}{
		{
			name:       "created",
			body:       `{"booking_id":"3f2a9c1e-0000-4000-8000-000000000001","phone_number":"0912345678"}`,
			result:     &services.InitiateResult{CheckoutURL: "https://checkout.chapa.co/x", PaymentID: paymentID, Reference: "tx-1"},
			wantStatus: http.StatusCreated,
			wantMsg:    "Payment initiated successfully",
		},
		{
			name:       "reused",
			body:       `{"booking_id":"3f2a9c1e-0000-4000-8000-000000000001"}`,
			result:     &services.InitiateResult{CheckoutURL: "https://checkout.chapa.co/x", PaymentID: paymentID, Reference: "tx-1", Reused: true},
			wantStatus: http.StatusOK,
			wantMsg:    "Payment already initiated",
		},
		{
			name:       "booking missing",
			body:       `{"booking_id":"3f2a9c1e-0000-4000-8000-000000000001"}`,
			err:        services.ErrBookingNotFound,
			wantStatus: http.StatusNotFound,
			wantMsg:    "Booking not found",
		},
		{
			name:       "already paid",
			body:       `{"booking_id":"3f2a9c1e-0000-4000-8000-000000000001"}`,
			err:        services.ErrAlreadyPaid,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Payment already completed for this booking",
		},
		{
			name:       "gateway rejected",
			body:       `{"booking_id":"3f2a9c1e-0000-4000-8000-000000000001"}`,
			err:        &chapa.Error{Kind: chapa.KindRejected, StatusCode: 400, Message: "Invalid API Key"},
			wantStatus: http.StatusBadRequest,
			wantDetail: "Invalid API Key",
		},
		{
			name:       "gateway unreachable",
			body:       `{"booking_id":"3f2a9c1e-0000-4000-8000-000000000001"}`,
			err:        &chapa.Error{Kind: chapa.KindUnreachable, Message: "timeout"},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Payment gateway unavailable, please retry",
			wantDetail: "timeout",
		},
		{
			name:       "unexpected",
			body:       `{"booking_id":"3f2a9c1e-0000-4000-8000-000000000001"}`,
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Internal server error",
		},
		{
			name:       "malformed json",
			body:       `{"booking_id":`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			init := &stubInitiator{result: tt.result, err: tt.err}
			router := setupRouter(newTestHandler(init, &stubVerifier{}, stubLookup{}, nil))

			req := httptest.NewRequest("POST", "/api/payments/initiate", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decode(t, w)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, body["message"])
			}
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, body["details"])
			}
			if tt.wantStatus < 300 {
				data := body["data"].(map[string]interface{})
				assert.Equal(t, "https://checkout.chapa.co/x", data["checkout_url"])
				assert.Equal(t, paymentID.String(), data["payment_id"])
				assert.Equal(t, "tx-1", data["transaction_reference"])
			}
			if tt.wantStatus == http.StatusInternalServerError {
				assert.Nil(t, body["details"])
			}
		})
	}
}

func TestInitiatePayment_PassesOverridesAndMeta(t *testing.T) {
	init := &stubInitiator{result: &services.InitiateResult{PaymentID: uuid.New()}}
	router := setupRouter(newTestHandler(init, &stubVerifier{}, stubLookup{}, nil))

	req := httptest.NewRequest("POST", "/api/payments/initiate",
		strings.NewReader(`{"booking_id":"b","phone_number":"0912345678","email":"a@b.c"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)")
	req.Header.Set(middleware.CorrelationIDHeader, "corr-1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "b", init.got.BookingID)
	require.NotNil(t, init.got.PhoneNumber)
	assert.Equal(t, "0912345678", *init.got.PhoneNumber)
	assert.Equal(t, "a@b.c", *init.got.Email)
	assert.Nil(t, init.got.ReturnURL)
	assert.Equal(t, models.PaymentSourceUser, init.got.Meta.Source)
	assert.Equal(t, "corr-1", init.got.Meta.CorrelationID)
	assert.Contains(t, init.got.Meta.UserAgent, "iPhone")
}

func TestVerifyPayment_ReferenceSources(t *testing.T) {
	completed := samplePayment(models.PaymentStatusCompleted)

	tests := []struct {
		name       string
		build      func() *http.Request
		wantRef    string
		wantSource models.PaymentEventSource
	}{
		{
			name:       "get tx_ref",
			build:      func() *http.Request { return httptest.NewRequest("GET", "/api/payments/verify?tx_ref=tx-a", nil) },
			wantRef:    "tx-a",
			wantSource: models.PaymentSourceUser,
		},
		{
			name:       "get trx_ref callback",
			build:      func() *http.Request { return httptest.NewRequest("GET", "/api/payments/verify?trx_ref=tx-b&status=success", nil) },
			wantRef:    "tx-b",
			wantSource: models.PaymentSourceChapaCallback,
		},
		{
			name: "post json",
			build: func() *http.Request {
				r := httptest.NewRequest("POST", "/api/payments/verify", strings.NewReader(`{"tx_ref":"tx-c"}`))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			wantRef:    "tx-c",
			wantSource: models.PaymentSourceUser,
		},
		{
			name: "post form",
			build: func() *http.Request {
				r := httptest.NewRequest("POST", "/api/payments/verify", strings.NewReader(url.Values{"trx_ref": {"tx-d"}}.Encode()))
				r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return r
			},
			wantRef:    "tx-d",
			wantSource: models.PaymentSourceChapaCallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ver := &stubVerifier{payment: completed}
			router := setupRouter(newTestHandler(&stubInitiator{}, ver, stubLookup{}, nil))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, tt.build())

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantRef, ver.gotRef)
			assert.Equal(t, tt.wantSource, ver.gotMeta.Source)

			data := decode(t, w)["data"].(map[string]interface{})
			assert.Equal(t, completed.ID.String(), data["payment_id"])
			assert.Equal(t, completed.BookingID.String(), data["booking_id"])
			assert.Equal(t, "completed", data["payment_status"])
			assert.Equal(t, "1000.00", data["amount"])
			assert.Equal(t, "APi4zEyk7ZP", data["transaction_id"])
		})
	}
}

func TestVerifyPayment_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		payment    *models.Payment
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"pending", samplePayment(models.PaymentStatusPending), nil, http.StatusOK, "Payment is still pending"},
		{"failed", samplePayment(models.PaymentStatusFailed), nil, http.StatusBadRequest, "Payment failed"},
		{"cancelled", samplePayment(models.PaymentStatusCancelled), nil, http.StatusBadRequest, "Payment failed"},
		{"missing reference", nil, services.ErrMissingReference, http.StatusBadRequest, "tx_ref is required"},
		{"unknown reference", nil, services.ErrPaymentNotFound.WithDetails("no payment with reference x"), http.StatusNotFound, "Payment not found"},
		{"amount mismatch", nil, services.ErrAmountMismatch, http.StatusBadRequest, "Paid amount does not match the booking"},
		{"gateway not found", nil, &chapa.Error{Kind: chapa.KindNotFound, Message: "Invalid transaction or Transaction not found"}, http.StatusBadRequest, "Payment gateway has no record of this transaction"},
		{"gateway unreachable", nil, &chapa.Error{Kind: chapa.KindUnreachable}, http.StatusBadGateway, "Payment gateway unavailable, please retry"},
		{"conflict", nil, services.ErrConcurrentUpdate, http.StatusConflict, "Payment is being processed, retry shortly"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ver := &stubVerifier{payment: tt.payment, err: tt.err}
			router := setupRouter(newTestHandler(&stubInitiator{}, ver, stubLookup{}, nil))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/api/payments/verify?tx_ref=tx-a", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.wantMsg, body["message"])
			if tt.payment != nil && tt.wantStatus == http.StatusBadRequest {
				data := body["data"].(map[string]interface{})
				assert.Equal(t, string(tt.payment.Status), data["payment_status"])
			}
		})
	}
}

func TestWebhook(t *testing.T) {
	const secret = "whsec_test"
	payload := []byte(`{"event":"charge.success","tx_ref":"tx-0123456789ab-3f2a9c1e","status":"success"}`)

	tests := []struct {
		name       string
		secret     string
		body       []byte
		header     string
		signature  string
		verifyErr  error
		wantStatus int
		wantVerify bool
	}{
		{"valid signature", secret, payload, chapa.HeaderSignature, chapa.Sign(secret, payload), nil, http.StatusOK, true},
		{"legacy header", secret, payload, chapa.HeaderLegacySignature, chapa.SignLegacy(secret), nil, http.StatusOK, true},
		{"legacy header with body signature", secret, payload, chapa.HeaderLegacySignature, chapa.Sign(secret, payload), nil, http.StatusUnauthorized, false},
		{"bad signature", secret, payload, chapa.HeaderSignature, "deadbeef", nil, http.StatusUnauthorized, false},
		{"missing signature", secret, payload, "", "", nil, http.StatusUnauthorized, false},
		{"no secret configured", "", payload, "", "", nil, http.StatusOK, true},
		{"unparseable payload", "", []byte(`{"event":"charge.success"}`), "", "", nil, http.StatusOK, false},
		{"unknown reference acknowledged", "", payload, "", "", services.ErrPaymentNotFound, http.StatusOK, true},
		{"gateway unreachable asks for retry", "", payload, "", "", &chapa.Error{Kind: chapa.KindUnreachable}, http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ver := &stubVerifier{payment: samplePayment(models.PaymentStatusCompleted), err: tt.verifyErr}
			router := setupRouter(newTestHandler(&stubInitiator{}, ver, stubLookup{}, signatureChecker{secret: tt.secret}))

			req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(string(tt.body)))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set(tt.header, tt.signature)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantVerify {
				assert.Equal(t, 1, ver.calls)
				assert.Equal(t, "tx-0123456789ab-3f2a9c1e", ver.gotRef)
				assert.Equal(t, models.PaymentSourceChapaWebhook, ver.gotMeta.Source)
			} else {
				assert.Zero(t, ver.calls)
			}
		})
	}
}

func TestGetPayment(t *testing.T) {
	payment := samplePayment(models.PaymentStatusCompleted)
	completedAt := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	payment.CompletedAt = &completedAt
	router := setupRouter(newTestHandler(&stubInitiator{}, &stubVerifier{}, stubLookup{payment.TransactionReference: payment}, nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/payments/"+payment.TransactionReference, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, payment.TransactionReference, data["transaction_reference"])
	assert.Equal(t, "2026-03-02T10:30:00Z", data["payment_date"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/payments/tx-unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type pingDB struct{ err error }

func (p pingDB) PingContext(ctx context.Context) error { return p.err }
func (p pingDB) Close() error                          { return nil }

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, tc := range []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{errors.New("connection refused"), http.StatusServiceUnavailable},
	} {
		router := gin.New()
		router.GET("/health", NewHealthHandler(pingDB{err: tc.err}, "test").Health)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		assert.Equal(t, tc.want, w.Code)
	}
}
