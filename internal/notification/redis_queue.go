package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NewRedisClient parses redisURL, connects and pings the server
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisQueue is a reliable list queue. Jobs are moved to a processing list while
// handled and only removed from it after the handler returns, so a crashed worker's
// jobs are put back by Requeue on the next start.
type RedisQueue struct {
	client       *redis.Client
	queue        string
	processing   string
	maxAttempts  int
	blockTimeout time.Duration
	logger       *logrus.Logger
}

// NewRedisQueue creates a queue stored under the given list name
func NewRedisQueue(client *redis.Client, name string, maxAttempts int, logger *logrus.Logger) *RedisQueue {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &RedisQueue{
		client:       client,
		queue:        name,
		processing:   name + ":processing",
		maxAttempts:  maxAttempts,
		blockTimeout: 5 * time.Second,
		logger:       logger,
	}
}

// Enqueue pushes a job onto the queue
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue notification job: %w", err)
	}
	return nil
}

// Requeue moves every job left in the processing list back onto the queue
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to requeue notification jobs: %w", err)
		}
		moved++
	}
}

// Run consumes jobs until ctx is cancelled
func (q *RedisQueue) Run(ctx context.Context, handle HandlerFunc) error {
	if n, err := q.Requeue(ctx); err != nil {
		q.logger.WithError(err).Warn("Failed to recover in-flight notification jobs")
	} else if n > 0 {
		q.logger.WithField("count", n).Info("Recovered in-flight notification jobs")
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.WithError(err).Error("Failed to read notification queue")
			sleepCtx(ctx, time.Second)
			continue
		}

		q.process(ctx, raw, handle)
	}
}

func (q *RedisQueue) process(ctx context.Context, raw string, handle HandlerFunc) {
	job, err := decodeJob([]byte(raw))
	if err != nil {
		q.logger.WithError(err).WithField("payload", raw).Error("Dropping malformed notification job")
		q.client.LRem(ctx, q.processing, 1, raw)
		return
	}

	handleErr := handle(ctx, job)

	fields := logrus.Fields{
		"payment_id": job.PaymentID,
		"booking_id": job.BookingID,
		"attempt":    job.Attempt + 1,
	}

	var retry []byte
	if handleErr != nil {
		job.Attempt++
		if job.Attempt >= q.maxAttempts {
			q.logger.WithError(handleErr).WithFields(fields).Error("Dropping notification job after max attempts")
		} else {
			q.logger.WithError(handleErr).WithFields(fields).Warn("Notification job failed, requeueing")
			retry, _ = encodeJob(job)
		}
	}

	// Ack and retry commit together
	ackCtx := context.WithoutCancel(ctx)
	_, err = q.client.TxPipelined(ackCtx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ackCtx, q.processing, 1, raw)
		if retry != nil {
			pipe.LPush(ackCtx, q.queue, retry)
		}
		return nil
	})
	if err != nil {
		q.logger.WithError(err).WithFields(fields).Error("Failed to acknowledge notification job")
	}
}

// Close closes the Redis client
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
