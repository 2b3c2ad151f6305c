package services

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/staybook/booking-payments/internal/database"
	"github.com/staybook/booking-payments/internal/models"
	"github.com/staybook/booking-payments/internal/notification"
	"github.com/staybook/booking-payments/pkg/chapa"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memStore is an in-memory PaymentStore + BookingStore with the same atomicity
// guarantees as the SQL repositories.
type memStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.Payment
	bookings map[uuid.UUID]*models.Booking

	transitions int
	upsertHook  func()
}

func newMemStore() *memStore {
	return &memStore{
		payments: map[uuid.UUID]*models.Payment{},
		bookings: map[uuid.UUID]*models.Booking{},
	}
}

func (m *memStore) addBooking(price string) *models.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &models.Booking{
		ID:            uuid.New(),
		ListingTitle:  "Lakeside Villa",
		TotalPrice:    decimal.RequireFromString(price),
		Status:        models.BookingStatusPending,
		UserEmail:     "guest@example.com",
		UserFirstName: "Abebe",
		UserLastName:  "Kebede",
		Username:      "abebe",
	}
	m.bookings[b.ID] = b
	return b
}

func (m *memStore) addPayment(bookingID uuid.UUID, status models.PaymentStatus, createdAt time.Time) *models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := "https://checkout.chapa.co/checkout/payment/existing"
	p := &models.Payment{
		ID:                   uuid.New(),
		BookingID:            bookingID,
		TransactionReference: NewReference(bookingID),
		Amount:               m.bookings[bookingID].TotalPrice,
		Currency:             "ETB",
		Status:               status,
		CheckoutURL:          &url,
		CreatedAt:            createdAt,
		UpdatedAt:            createdAt,
	}
	m.payments[p.ID] = p
	return p
}

func (m *memStore) booking(id uuid.UUID) models.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bookings[id]
}

func (m *memStore) payment(id uuid.UUID) models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.payments[id]
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *memStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, database.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) FindActiveByBooking(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.BookingID == bookingID && p.Status.IsActive() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindByReference(ctx context.Context, reference string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TransactionReference == reference {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrPaymentNotFound
}

func (m *memStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.Status == models.PaymentStatusPending && p.CreatedAt.Before(olderThan) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpsertByReference(ctx context.Context, bookingID uuid.UUID, reference string, fields models.PaymentFields) (*models.Payment, error) {
	if m.upsertHook != nil {
		m.upsertHook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.payments {
		if p.TransactionReference == reference {
			if p.BookingID != bookingID {
				return nil, database.ErrActivePaymentExists
			}
			if fields.CheckoutURL != "" {
				url := fields.CheckoutURL
				p.CheckoutURL = &url
			}
			cp := *p
			return &cp, nil
		}
	}
	for _, p := range m.payments {
		if p.BookingID == bookingID && p.Status.IsActive() && fields.Status.IsActive() {
			return nil, database.ErrActivePaymentExists
		}
	}

	now := time.Now()
	url := fields.CheckoutURL
	p := &models.Payment{
		ID:                   uuid.New(),
		BookingID:            bookingID,
		TransactionReference: reference,
		Amount:               fields.Amount,
		Currency:             fields.Currency,
		Status:               fields.Status,
		CheckoutURL:          &url,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	m.payments[p.ID] = p
	cp := *p
	return &cp, nil
}

func (m *memStore) TransitionStatus(ctx context.Context, paymentID uuid.UUID, expected, next models.PaymentStatus, fields models.TransitionFields) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok || p.Status != expected {
		return nil, database.ErrStaleTransition
	}

	if fields.BookingStatus != nil {
		b, ok := m.bookings[p.BookingID]
		if !ok {
			return nil, database.ErrBookingNotFound
		}
		b.Status = *fields.BookingStatus
	}

	p.Status = next
	if fields.GatewayTransactionID != nil {
		p.GatewayTransactionID = fields.GatewayTransactionID
	}
	if fields.PaymentMethod != nil {
		p.PaymentMethod = fields.PaymentMethod
	}
	if fields.CompletedAt != nil {
		p.CompletedAt = fields.CompletedAt
	}
	p.UpdatedAt = time.Now()
	m.transitions++

	cp := *p
	return &cp, nil
}

// bookingView adapts memStore to BookingStore
type bookingView struct{ *memStore }

func (b bookingView) FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	booking, ok := b.bookings[id]
	if !ok {
		return nil, database.ErrBookingNotFound
	}
	cp := *booking
	return &cp, nil
}

// fakeGateway records calls and answers from configured results
type fakeGateway struct {
	mu          sync.Mutex
	initCalls   int
	verifyCalls int
	lastInit    chapa.InitializeRequest

	initErr      error
	verifyResult func(ref string) (*chapa.VerifyResult, error)
	verifyDelay  time.Duration
}

func (g *fakeGateway) Initialize(ctx context.Context, req chapa.InitializeRequest) (*chapa.InitializeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls++
	g.lastInit = req
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &chapa.InitializeResult{
		CheckoutURL: "https://checkout.chapa.co/checkout/payment/" + req.Reference,
		StatusCode:  200,
	}, nil
}

func (g *fakeGateway) Verify(ctx context.Context, reference string) (*chapa.VerifyResult, error) {
	g.mu.Lock()
	g.verifyCalls++
	fn := g.verifyResult
	delay := g.verifyDelay
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fn == nil {
		return nil, &chapa.Error{Kind: chapa.KindUnreachable, Message: "no verify result configured"}
	}
	return fn(reference)
}

func (g *fakeGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initCalls, g.verifyCalls
}

func succeed(amount, currency string) func(string) (*chapa.VerifyResult, error) {
	return func(ref string) (*chapa.VerifyResult, error) {
		return &chapa.VerifyResult{
			Status:        chapa.StatusSuccess,
			RawStatus:     "success",
			TxRef:         ref,
			TransactionID: "APi4zEyk7ZP",
			PaymentMethod: "telebirr",
			Amount:        decimal.RequireFromString(amount),
			Currency:      currency,
			StatusCode:    200,
		}, nil
	}
}

func gatewayStatus(status chapa.ExternalStatus) func(string) (*chapa.VerifyResult, error) {
	return func(ref string) (*chapa.VerifyResult, error) {
		return &chapa.VerifyResult{Status: status, RawStatus: string(status), TxRef: ref, StatusCode: 200}, nil
	}
}

func gatewayError(kind chapa.Kind) func(string) (*chapa.VerifyResult, error) {
	return func(ref string) (*chapa.VerifyResult, error) {
		return nil, &chapa.Error{Kind: kind, Message: "Transaction not found"}
	}
}

// fakeDispatcher counts enqueued jobs
type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []notification.Job
	err  error
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, job notification.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// fakeAuditStore keeps audit rows in memory
type fakeAuditStore struct {
	mu   sync.Mutex
	rows []*models.PaymentAudit
}

func (a *fakeAuditStore) Log(ctx context.Context, audit *models.PaymentAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, audit)
	return nil
}

func (a *fakeAuditStore) countOf(eventType models.PaymentEventType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.rows {
		if r.EventType == eventType {
			n++
		}
	}
	return n
}

// harness wires real services over the fakes
type harness struct {
	store      *memStore
	gateway    *fakeGateway
	dispatcher *fakeDispatcher
	audits     *fakeAuditStore
	verifier   *PaymentVerifier
	initiator  *PaymentInitiator
}

func newHarness() *harness {
	h := &harness{
		store:      newMemStore(),
		gateway:    &fakeGateway{},
		dispatcher: &fakeDispatcher{},
		audits:     &fakeAuditStore{},
	}
	logger := testLogger()
	audit := NewAuditService(h.audits, logger)
	h.verifier = NewPaymentVerifier(h.store, h.gateway, h.dispatcher, audit, VerifierConfig{}, logger)
	h.initiator = NewPaymentInitiator(h.store, bookingView{h.store}, h.gateway, h.verifier, audit, InitiatorConfig{
		Currency:    "ETB",
		CallbackURL: "https://api.staybook.et/api/payments/verify",
		ReturnURL:   "https://staybook.et/payment/complete",
		CheckoutTTL: 24 * time.Hour,
	}, logger)
	return h
}
