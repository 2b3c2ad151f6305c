// Package notification delivers payment confirmation messages outside the request path.
//
// Verification only enqueues a Job; a Worker consuming a Queue re-reads the payment and
// booking and sends the email. Delivery is at-least-once and retried by the queue backend.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by a bounded queue that cannot take more jobs
	ErrQueueFull = errors.New("notification queue is full")

	// ErrQueueClosed is returned after Close
	ErrQueueClosed = errors.New("notification queue is closed")
)

// Job identifies a completed payment whose confirmation must be sent
type Job struct {
	PaymentID uuid.UUID `json:"payment_id"`
	BookingID uuid.UUID `json:"booking_id"`
	Attempt   int       `json:"attempt"`
}

// Dispatcher accepts jobs without blocking on delivery
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// HandlerFunc processes one job. A non-nil error asks the queue to redeliver it.
type HandlerFunc func(ctx context.Context, job Job) error

// Queue is a Dispatcher that can also be consumed
type Queue interface {
	Dispatcher
	// Run consumes jobs until ctx is cancelled
	Run(ctx context.Context, handle HandlerFunc) error
	Close() error
}

func encodeJob(job Job) ([]byte, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification job: %w", err)
	}
	return payload, nil
}

func decodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode notification job: %w", err)
	}
	if job.PaymentID == uuid.Nil || job.BookingID == uuid.Nil {
		return Job{}, fmt.Errorf("notification job is missing ids")
	}
	return job, nil
}
