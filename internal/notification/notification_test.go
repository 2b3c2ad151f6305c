package notification

import (
	"context"
	"errors"
	"io"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staybook/booking-payments/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newJob() Job {
	return Job{PaymentID: uuid.New(), BookingID: uuid.New()}
}

func TestDecodeJob(t *testing.T) {
	job := newJob()
	payload, err := encodeJob(job)
	require.NoError(t, err)

	decoded, err := decodeJob(payload)
	require.NoError(t, err)
	assert.Equal(t, job, decoded)

	_, err = decodeJob([]byte(`{"payment_id":"` + uuid.NewString() + `"}`))
	assert.Error(t, err)

	_, err = decodeJob([]byte("not json"))
	assert.Error(t, err)
}

func TestMemoryQueue_EnqueueFullAndClosed(t *testing.T) {
	q := NewMemoryQueue(1, 3, time.Millisecond, testLogger())

	require.NoError(t, q.Enqueue(context.Background(), newJob()))
	assert.ErrorIs(t, q.Enqueue(context.Background(), newJob()), ErrQueueFull)
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), newJob()), ErrQueueClosed)
	assert.NoError(t, q.Close())
}

func TestMemoryQueue_RetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(4, 3, time.Millisecond, testLogger())
	job := newJob()
	require.NoError(t, q.Enqueue(context.Background(), job))

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.Run(ctx, func(ctx context.Context, j Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, j.Attempt)
		if len(attempts) < 3 {
			return errors.New("smtp down")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not retried")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestMemoryQueue_DropsAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(4, 2, time.Millisecond, testLogger())
	require.NoError(t, q.Enqueue(context.Background(), newJob()))

	var mu sync.Mutex
	calls := 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, func(ctx context.Context, j Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("always fails")
	})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

// ============================================================================
// SQS
// ============================================================================

type fakeSQS struct {
	mu       sync.Mutex
	sent     []string
	messages []types.Message
	deleted  []string
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func sqsMessage(t *testing.T, job Job, handle string, receives string) types.Message {
	payload, err := encodeJob(job)
	require.NoError(t, err)
	return types.Message{
		Body:          aws.String(string(payload)),
		ReceiptHandle: aws.String(handle),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): receives,
		},
	}
}

func TestSQSQueue_Enqueue(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, "https://sqs.local/queue", 3, testLogger())

	job := newJob()
	require.NoError(t, q.Enqueue(context.Background(), job))

	require.Len(t, fake.sent, 1)
	decoded, err := decodeJob([]byte(fake.sent[0]))
	require.NoError(t, err)
	assert.Equal(t, job, decoded)
}

func TestSQSQueue_DeleteSemantics(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, "https://sqs.local/queue", 3, testLogger())

	ok, failing, exhausted := newJob(), newJob(), newJob()
	fake.messages = []types.Message{
		sqsMessage(t, ok, "h-ok", "1"),
		sqsMessage(t, failing, "h-retry", "2"),
		sqsMessage(t, exhausted, "h-drop", "3"),
		{Body: aws.String("garbage"), ReceiptHandle: aws.String("h-bad")},
	}

	seen := map[uuid.UUID]int{}
	err := q.pollOnce(context.Background(), func(ctx context.Context, j Job) error {
		seen[j.PaymentID] = j.Attempt
		if j.PaymentID == ok.PaymentID {
			return nil
		}
		return errors.New("smtp down")
	})
	require.NoError(t, err)

	assert.Equal(t, 0, seen[ok.PaymentID])
	assert.Equal(t, 1, seen[failing.PaymentID])
	assert.Equal(t, 2, seen[exhausted.PaymentID])
	assert.ElementsMatch(t, []string{"h-ok", "h-drop", "h-bad"}, fake.deleted)
}

func TestReceiveCount(t *testing.T) {
	assert.Equal(t, 1, receiveCount(types.Message{}))
	assert.Equal(t, 4, receiveCount(types.Message{Attributes: map[string]string{"ApproximateReceiveCount": "4"}}))
	assert.Equal(t, 1, receiveCount(types.Message{Attributes: map[string]string{"ApproximateReceiveCount": "x"}}))
}

// ============================================================================
// WORKER
// ============================================================================

type stubPayments map[uuid.UUID]*models.Payment

func (s stubPayments) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, ok := s[id]
	if !ok {
		return nil, errors.New("payment not found")
	}
	return p, nil
}

type stubBookings map[uuid.UUID]*models.Booking

func (s stubBookings) FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	b, ok := s[id]
	if !ok {
		return nil, errors.New("booking not found")
	}
	return b, nil
}

type recordingMailer struct {
	sent []Message
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func fixtures(status models.PaymentStatus) (*models.Payment, *models.Booking) {
	bookingID := uuid.MustParse("3f2a9c1e-0000-4000-8000-000000000001")
	completed := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	txID := "APi4zEyk7ZP"
	method := "telebirr"

	payment := &models.Payment{
		ID:                   uuid.New(),
		BookingID:            bookingID,
		TransactionReference: "tx-abc-3f2a9c1e",
		Amount:               decimal.RequireFromString("1500"),
		Currency:             "ETB",
		Status:               status,
		GatewayTransactionID: &txID,
		PaymentMethod:        &method,
		CompletedAt:          &completed,
	}
	booking := &models.Booking{
		ID:              bookingID,
		ListingTitle:    "Lakeside Villa",
		ListingLocation: "Bahir Dar",
		CheckInDate:     time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		CheckOutDate:    time.Date(2026, 4, 4, 0, 0, 0, 0, time.UTC),
		NumberOfGuests:  2,
		UserEmail:       "guest@example.com",
		UserFirstName:   "Abebe",
		UserLastName:    "Kebede",
		Username:        "abebe",
	}
	return payment, booking
}

func TestWorker_HandleSendsConfirmation(t *testing.T) {
	payment, booking := fixtures(models.PaymentStatusCompleted)
	mailer := &recordingMailer{}
	w := NewWorker(nil, stubPayments{payment.ID: payment}, stubBookings{booking.ID: booking}, mailer, testLogger())

	err := w.Handle(context.Background(), Job{PaymentID: payment.ID, BookingID: booking.ID})
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, "guest@example.com", msg.To)
	assert.Equal(t, "Payment Confirmed - Booking #3f2a9c1e", msg.Subject)
	assert.Contains(t, msg.TextBody, "Dear Abebe Kebede")
	assert.Contains(t, msg.TextBody, "Property: Lakeside Villa")
	assert.Contains(t, msg.TextBody, "Nights: 3")
	assert.Contains(t, msg.TextBody, "Amount: 1500.00 ETB")
	assert.Contains(t, msg.TextBody, "Transaction ID: APi4zEyk7ZP")
	assert.Contains(t, msg.TextBody, "Payment Date: 2026-03-02 10:30:00")
	assert.Contains(t, msg.HTMLBody, "Lakeside Villa")
}

func TestWorker_HandleSkipsNonCompleted(t *testing.T) {
	payment, booking := fixtures(models.PaymentStatusFailed)
	mailer := &recordingMailer{}
	w := NewWorker(nil, stubPayments{payment.ID: payment}, stubBookings{booking.ID: booking}, mailer, testLogger())

	require.NoError(t, w.Handle(context.Background(), Job{PaymentID: payment.ID, BookingID: booking.ID}))
	assert.Empty(t, mailer.sent)
}

func TestWorker_HandleErrorsAreRetryable(t *testing.T) {
	payment, booking := fixtures(models.PaymentStatusCompleted)

	w := NewWorker(nil, stubPayments{}, stubBookings{booking.ID: booking}, &recordingMailer{}, testLogger())
	assert.Error(t, w.Handle(context.Background(), Job{PaymentID: payment.ID, BookingID: booking.ID}))

	failing := &recordingMailer{err: errors.New("connection refused")}
	w = NewWorker(nil, stubPayments{payment.ID: payment}, stubBookings{booking.ID: booking}, failing, testLogger())
	assert.Error(t, w.Handle(context.Background(), Job{PaymentID: payment.ID, BookingID: booking.ID}))
}

func TestRenderConfirmation_EscapesHTML(t *testing.T) {
	payment, booking := fixtures(models.PaymentStatusCompleted)
	booking.ListingTitle = "<script>alert(1)</script>"
	payment.GatewayTransactionID = nil

	msg, err := RenderConfirmation(payment, booking)
	require.NoError(t, err)
	assert.NotContains(t, msg.HTMLBody, "<script>")
	assert.Contains(t, msg.TextBody, "Transaction ID: N/A")
}

// ============================================================================
// MAILER
// ============================================================================

func TestSMTPMailer_Send(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "smtp.local", Port: "587", Username: "noreply@staybook.et", Password: "pw"})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := m.Send(context.Background(), Message{To: "guest@example.com", Subject: "Hi", TextBody: "plain", HTMLBody: "<p>html</p>"})
	require.NoError(t, err)

	assert.Equal(t, "smtp.local:587", gotAddr)
	assert.Equal(t, "noreply@staybook.et", gotFrom)
	assert.Equal(t, []string{"guest@example.com"}, gotTo)
	body := string(gotMsg)
	assert.Contains(t, body, "Subject: Hi\r\n")
	assert.Contains(t, body, "multipart/alternative")
	assert.True(t, strings.Contains(body, "plain") && strings.Contains(body, "<p>html</p>"))
}

func TestSMTPMailer_SendFailures(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "smtp.local", Port: "25"})
	m.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("451 try later")
	}

	assert.Error(t, m.Send(context.Background(), Message{}))
	assert.ErrorContains(t, m.Send(context.Background(), Message{To: "a@b.c"}), "451 try later")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, Message{To: "a@b.c"}), context.Canceled)
}
