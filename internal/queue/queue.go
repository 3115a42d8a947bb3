// Package queue sends messages to SQS and provides the helpers SQS-triggered
// handlers share: partial batch failure reporting and dead-letter routing.
package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// MaxBatchEntries is the SQS limit of entries per SendMessageBatch call.
const MaxBatchEntries = 10

// MaxDelaySeconds is the largest per-message delay SQS accepts.
const MaxDelaySeconds = 900

// Message is one outgoing queue message.
type Message struct {
	Body            string
	DelaySeconds    int32
	GroupID         string
	DeduplicationID string
	Attributes      map[string]string
}

// Sender delivers messages to a queue.
type Sender interface {
	Send(ctx context.Context, queueURL string, msg Message) error
	// SendBatch delivers all messages, chunking and retrying failed entries.
	SendBatch(ctx context.Context, queueURL string, msgs []Message) error
}

// SQSClient is the subset of the SQS API used here.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

var _ SQSClient = (*sqs.Client)(nil)

// SQS sends messages with the SQS API.
type SQS struct {
	client  SQSClient
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

// NewSQS creates a sender retrying failed batch entries up to retries times.
func NewSQS(client SQSClient, retries int, logger *zap.Logger) *SQS {
	return &SQS{client: client, retries: retries, backoff: 200 * time.Millisecond, logger: logger}
}

// WithBackoff sets the pause between batch entry retries.
func (s *SQS) WithBackoff(d time.Duration) *SQS {
	s.backoff = d
	return s
}

// IsFIFO reports whether the queue URL names a FIFO queue.
func IsFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}

// Send delivers one message.
func (s *SQS) Send(ctx context.Context, queueURL string, msg Message) error {
	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(msg.Body),
		MessageAttributes: attributes(msg.Attributes),
	}
	if msg.DelaySeconds > 0 {
		input.DelaySeconds = clampDelay(msg.DelaySeconds)
	}
	if msg.GroupID != "" {
		input.MessageGroupId = aws.String(msg.GroupID)
	}
	if msg.DeduplicationID != "" {
		input.MessageDeduplicationId = aws.String(msg.DeduplicationID)
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return apperrors.FromAWS(err, apperrors.CodeQueueSendFailed, "failed to send message")
	}
	return nil
}

// SendBatch delivers msgs in chunks of MaxBatchEntries. Entries SQS reports
// as failed are resent; after the retry budget is spent the call fails.
func (s *SQS) SendBatch(ctx context.Context, queueURL string, msgs []Message) error {
	for start := 0; start < len(msgs); start += MaxBatchEntries {
		end := start + MaxBatchEntries
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := s.sendChunk(ctx, queueURL, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQS) sendChunk(ctx context.Context, queueURL string, chunk []Message) error {
	pending := make(map[string]Message, len(chunk))
	for i, m := range chunk {
		pending[strconv.Itoa(i)] = m
	}

	for attempt := 0; ; attempt++ {
		entries := make([]types.SendMessageBatchRequestEntry, 0, len(pending))
		for i := range chunk {
			id := strconv.Itoa(i)
			m, ok := pending[id]
			if !ok {
				continue
			}
			entry := types.SendMessageBatchRequestEntry{
				Id:                aws.String(id),
				MessageBody:       aws.String(m.Body),
				MessageAttributes: attributes(m.Attributes),
			}
			if m.DelaySeconds > 0 {
				entry.DelaySeconds = clampDelay(m.DelaySeconds)
			}
			if m.GroupID != "" {
				entry.MessageGroupId = aws.String(m.GroupID)
			}
			if m.DeduplicationID != "" {
				entry.MessageDeduplicationId = aws.String(m.DeduplicationID)
			}
			entries = append(entries, entry)
		}

		out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		if err != nil {
			return apperrors.FromAWS(err, apperrors.CodeQueueSendFailed, "failed to send message batch")
		}
		for _, ok := range out.Successful {
			delete(pending, aws.ToString(ok.Id))
		}
		if len(pending) == 0 {
			return nil
		}

		var senderFault bool
		for _, f := range out.Failed {
			if f.SenderFault {
				senderFault = true
			}
			s.logger.Warn("Batch entry failed",
				zap.String("entry_id", aws.ToString(f.Id)),
				zap.String("code", aws.ToString(f.Code)),
				zap.String("message", aws.ToString(f.Message)),
				zap.Bool("sender_fault", f.SenderFault),
				zap.Int("attempt", attempt+1),
			)
		}
		if senderFault {
			return apperrors.Validation(apperrors.CodeQueueSendFailed, "message rejected by queue").
				WithResource(queueURL).
				Build()
		}
		if attempt >= s.retries {
			return apperrors.External(apperrors.CodeQueueSendFailed, "batch entries still failing after retries").
				WithResource(queueURL).
				WithDetails(strconv.Itoa(len(pending)) + " entries unsent").
				Build()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt+1)):
		}
	}
}

func clampDelay(d int32) int32 {
	if d > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return d
}

func attributes(attrs map[string]string) map[string]types.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		if v == "" {
			continue
		}
		out[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}
