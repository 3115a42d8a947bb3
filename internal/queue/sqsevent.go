package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// Failures collects the message IDs to report back as batch item failures.
type Failures struct {
	ids  []string
	seen map[string]struct{}
}

// Add records message IDs, ignoring repeats.
func (f *Failures) Add(ids ...string) {
	if f.seen == nil {
		f.seen = make(map[string]struct{})
	}
	for _, id := range ids {
		if _, ok := f.seen[id]; ok {
			continue
		}
		f.seen[id] = struct{}{}
		f.ids = append(f.ids, id)
	}
}

// Len returns the number of failed messages.
func (f *Failures) Len() int {
	return len(f.ids)
}

// Response builds the handler result. With partial batch responses disabled
// any failure fails the whole invocation so every message is redelivered.
func (f *Failures) Response(partial bool) (events.SQSEventResponse, error) {
	if len(f.ids) == 0 {
		return events.SQSEventResponse{}, nil
	}
	if !partial {
		return events.SQSEventResponse{}, fmt.Errorf("%d of the delivered messages failed", len(f.ids))
	}
	resp := events.SQSEventResponse{BatchItemFailures: make([]events.SQSBatchItemFailure, 0, len(f.ids))}
	for _, id := range f.ids {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: id})
	}
	return resp, nil
}

// DeadLetter routes poison messages. With a queue URL the message is copied
// to it and may be acknowledged; without one the message must be reported as
// failed so the source queue's redrive policy dead-letters it.
type DeadLetter struct {
	sender   Sender
	queueURL string
	logger   *zap.Logger
}

// NewDeadLetter creates a router. queueURL may be empty.
func NewDeadLetter(sender Sender, queueURL string, logger *zap.Logger) *DeadLetter {
	return &DeadLetter{sender: sender, queueURL: queueURL, logger: logger}
}

// Route handles one poison message and reports whether it may be acknowledged.
func (d *DeadLetter) Route(ctx context.Context, msg events.SQSMessage, cause error) bool {
	logger := d.logger.With(
		zap.String("message_id", msg.MessageId),
		zap.Error(cause),
	)
	if d.queueURL == "" {
		logger.Warn("Poison message left for redrive policy")
		return false
	}

	code := "UNKNOWN"
	var appErr *apperrors.AppError
	if errors.As(cause, &appErr) {
		code = appErr.Code
	}
	err := d.sender.Send(ctx, d.queueURL, Message{
		Body: msg.Body,
		Attributes: map[string]string{
			"error_code":          code,
			"error_message":       truncate(cause.Error(), 256),
			"original_message_id": msg.MessageId,
			"source_queue_arn":    msg.EventSourceARN,
		},
	})
	if err != nil {
		logger.Error("Failed to dead-letter poison message", zap.NamedError("send_error", err))
		return false
	}
	logger.Warn("Poison message dead-lettered", zap.String("dead_letter_queue", d.queueURL))
	return true
}

// truncate caps s at n bytes without splitting a rune. SQS rejects
// attribute values that are not valid UTF-8.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
