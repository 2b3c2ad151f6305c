package notification

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sirupsen/logrus"
)

// SQSAPI is the subset of the SQS client the queue uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient builds an SQS client from the default AWS credential chain
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// SQSQueue delivers jobs through an SQS queue. A failed job is not deleted and
// becomes visible again after the visibility timeout.
type SQSQueue struct {
	client      SQSAPI
	queueURL    string
	maxAttempts int
	logger      *logrus.Logger
}

// NewSQSQueue creates a queue bound to queueURL
func NewSQSQueue(client SQSAPI, queueURL string, maxAttempts int, logger *logrus.Logger) *SQSQueue {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &SQSQueue{
		client:      client,
		queueURL:    queueURL,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Enqueue sends a job message
func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("failed to send notification job: %w", err)
	}
	return nil
}

// Run long-polls the queue until ctx is cancelled
func (q *SQSQueue) Run(ctx context.Context, handle HandlerFunc) error {
	q.logger.WithField("queue_url", q.queueURL).Info("Starting SQS notification consumer")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := q.pollOnce(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.WithError(err).Error("Error polling SQS")
			sleepCtx(ctx, time.Second)
		}
	}
}

func (q *SQSQueue) pollOnce(ctx context.Context, handle HandlerFunc) error {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   30,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	for _, msg := range result.Messages {
		q.processMessage(ctx, msg, handle)
	}
	return nil
}

func (q *SQSQueue) processMessage(ctx context.Context, msg types.Message, handle HandlerFunc) {
	if msg.Body == nil {
		q.delete(ctx, msg)
		return
	}

	job, err := decodeJob([]byte(*msg.Body))
	if err != nil {
		q.logger.WithError(err).WithField("body", *msg.Body).Error("Dropping malformed notification job")
		q.delete(ctx, msg)
		return
	}

	receives := receiveCount(msg)
	job.Attempt = receives - 1

	if err := handle(ctx, job); err != nil {
		fields := logrus.Fields{
			"payment_id": job.PaymentID,
			"booking_id": job.BookingID,
			"attempt":    receives,
		}
		if receives >= q.maxAttempts {
			q.logger.WithError(err).WithFields(fields).Error("Dropping notification job after max attempts")
			q.delete(ctx, msg)
			return
		}
		// Left in the queue; SQS redelivers after the visibility timeout
		q.logger.WithError(err).WithFields(fields).Warn("Notification job failed, awaiting redelivery")
		return
	}

	q.delete(ctx, msg)
}

func (q *SQSQueue) delete(ctx context.Context, msg types.Message) {
	_, err := q.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		q.logger.WithError(err).Error("Failed to delete SQS message")
	}
}

// Close is a no-op; the SQS client holds no connections that need releasing
func (q *SQSQueue) Close() error {
	return nil
}

func receiveCount(msg types.Message) int {
	raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
