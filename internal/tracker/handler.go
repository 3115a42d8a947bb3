package tracker

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/fanout"
	"github.com/yuryprokashev/public-writing/internal/logging"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
)

// Handler adapts the Tracker to SQS-triggered Lambda invocations on the
// task-done queue.
type Handler struct {
	tracker    *Tracker
	deadLetter *queue.DeadLetter
	partial    bool
	logger     *zap.Logger
	metrics    observability.Metrics
}

// NewHandler creates the Lambda adapter. partial enables SQS partial batch
// responses; it must match the event source mapping's ReportBatchItemFailures.
func NewHandler(t *Tracker, deadLetter *queue.DeadLetter, partial bool, logger *zap.Logger, metrics observability.Metrics) *Handler {
	return &Handler{tracker: t, deadLetter: deadLetter, partial: partial, logger: logger, metrics: metrics}
}

// HandleSQS tracks one delivery of completion records. Records are grouped
// by batch and declared size; a failing group fails only its own messages.
// A group whose size disagrees with the stored batch is dead-lettered.
func (h *Handler) HandleSQS(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	start := time.Now()
	logger := logging.WithInvocation(ctx, h.logger)
	h.metrics.IncrementCounterBy(observability.MetricMessagesReceived, float64(len(event.Records)), map[string]string{"handler": "tracker"})

	var failures queue.Failures
	byID := make(map[string]events.SQSMessage, len(event.Records))
	delivered := make([]fanout.Delivered, 0, len(event.Records))

	for _, msg := range event.Records {
		c, err := fanout.DecodeCompletion(msg.Body)
		if err != nil {
			h.poison(ctx, msg, err, &failures)
			continue
		}
		byID[msg.MessageId] = msg
		delivered = append(delivered, fanout.Delivered{MessageID: msg.MessageId, Completion: c})
	}

	groups := fanout.Partition(delivered)
	for _, g := range groups {
		if len(g.MessageIDs) == 0 {
			continue
		}
		res, err := h.tracker.Track(ctx, g)
		if err == nil {
			logger.Info("Batch group tracked",
				zap.String("batch_id", res.BatchID),
				zap.Int("records", len(g.MessageIDs)),
				zap.Int("count", res.Count),
				zap.Int("size", res.Size),
				zap.String("status", string(res.Status)),
				zap.Bool("signaled", res.Signaled),
			)
			continue
		}
		if apperrors.IsValidation(err) {
			for _, id := range g.MessageIDs {
				h.poison(ctx, byID[id], err, &failures)
			}
			continue
		}
		logger.Error("Batch group failed, messages will be redelivered",
			zap.String("batch_id", g.BatchID),
			zap.Int("records", len(g.MessageIDs)),
			zap.Error(err),
		)
		h.metrics.IncrementCounterBy(observability.MetricMessagesFailed, float64(len(g.MessageIDs)), map[string]string{"handler": "tracker"})
		failures.Add(g.MessageIDs...)
	}

	h.metrics.RecordDuration(observability.MetricHandlerDuration, time.Since(start), map[string]string{"handler": "tracker"})
	if err := h.metrics.Flush(ctx); err != nil {
		logger.Warn("Metrics flush failed", zap.Error(err))
	}
	return failures.Response(h.partial)
}

func (h *Handler) poison(ctx context.Context, msg events.SQSMessage, cause error, failures *queue.Failures) {
	h.metrics.IncrementCounter(observability.MetricMessagesPoisoned, map[string]string{"handler": "tracker"})
	if !h.deadLetter.Route(ctx, msg, cause) {
		failures.Add(msg.MessageId)
	}
}
