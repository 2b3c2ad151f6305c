package notification

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryQueue is an in-process bounded queue. Jobs are lost on restart.
type MemoryQueue struct {
	jobs        chan Job
	maxAttempts int
	retryDelay  time.Duration
	logger      *logrus.Logger

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue holding at most size pending jobs
func NewMemoryQueue(size, maxAttempts int, retryDelay time.Duration, logger *logrus.Logger) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &MemoryQueue{
		jobs:        make(chan Job, size),
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
	}
}

// Enqueue adds a job or fails fast with ErrQueueFull
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of jobs waiting
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Run consumes jobs until ctx is cancelled or the queue is closed
func (q *MemoryQueue) Run(ctx context.Context, handle HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-q.jobs:
			if !ok {
				return nil
			}
			q.process(ctx, job, handle)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, job Job, handle HandlerFunc) {
	err := handle(ctx, job)
	if err == nil {
		return
	}

	job.Attempt++
	fields := logrus.Fields{
		"payment_id": job.PaymentID,
		"booking_id": job.BookingID,
		"attempt":    job.Attempt,
	}

	if job.Attempt >= q.maxAttempts {
		q.logger.WithError(err).WithFields(fields).Error("Dropping notification job after max attempts")
		return
	}

	q.logger.WithError(err).WithFields(fields).Warn("Notification job failed, scheduling retry")
	time.AfterFunc(q.retryDelay*time.Duration(job.Attempt), func() {
		if err := q.Enqueue(context.Background(), job); err != nil {
			q.logger.WithError(err).WithFields(fields).Error("Failed to requeue notification job")
		}
	})
}

// Close stops accepting jobs and ends Run once the buffer drains
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
