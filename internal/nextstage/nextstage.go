// Package nextstage starts downstream processing once a batch completes.
//
// Signals may arrive more than once. A batch is dispatched only while the
// tracker store shows it undispatched, and is marked DISPATCHED afterwards,
// so a repeated signal after a successful dispatch is dropped.
package nextstage

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/eventbus"
	"github.com/yuryprokashev/public-writing/internal/fanout"
	"github.com/yuryprokashev/public-writing/internal/logging"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
	"github.com/yuryprokashev/public-writing/internal/tracker"
)

// DetailTypeBatchCompleted is the detail type of the downstream event.
const DetailTypeBatchCompleted = "BatchCompleted"

// BatchCompleted is the event detail published for a finished batch.
type BatchCompleted struct {
	BatchID     string    `json:"batch_id"`
	BatchSize   int       `json:"batch_size"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store is the part of the tracker store the trigger needs.
type Store interface {
	Get(ctx context.Context, batchID string) (tracker.Batch, error)
	MarkDispatched(ctx context.Context, batchID string) (bool, error)
}

// Trigger consumes batch-complete signals.
type Trigger struct {
	store      Store
	publisher  eventbus.Publisher
	deadLetter *queue.DeadLetter
	partial    bool
	logger     *zap.Logger
	metrics    observability.Metrics
}

// New creates the trigger.
func New(store Store, publisher eventbus.Publisher, deadLetter *queue.DeadLetter, partial bool, logger *zap.Logger, metrics observability.Metrics) *Trigger {
	return &Trigger{
		store:      store,
		publisher:  publisher,
		deadLetter: deadLetter,
		partial:    partial,
		logger:     logger,
		metrics:    metrics,
	}
}

// Dispatch starts the next stage for one signal and reports whether this
// call did it.
func (t *Trigger) Dispatch(ctx context.Context, signal fanout.BatchComplete) (bool, error) {
	logger := t.logger.With(zap.String("batch_id", signal.BatchID))

	batch, err := t.store.Get(ctx, signal.BatchID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, apperrors.Validation(apperrors.CodeBatchNotFound, "signal for unknown batch").
				WithResource(signal.BatchID).
				Build()
		}
		return false, apperrors.Wrap(err, "failed to read batch")
	}
	switch batch.Status {
	case tracker.StatusDispatched:
		t.metrics.IncrementCounter(observability.MetricDuplicates, map[string]string{"handler": "nextstage"})
		logger.Info("Batch already dispatched, dropping repeated signal")
		return false, nil
	case tracker.StatusSignaling, tracker.StatusComplete:
	default:
		// Only the tracker's claimant signals, so a batch still PENDING here
		// means the message did not come from the tracker.
		return false, apperrors.Validation(apperrors.CodeBatchNotComplete, "signal for a batch that was never claimed").
			WithResource(signal.BatchID).
			WithDetails(string(batch.Status)).
			Build()
	}

	err = t.publisher.Publish(ctx, eventbus.Event{
		DetailType: DetailTypeBatchCompleted,
		Detail: BatchCompleted{
			BatchID:     signal.BatchID,
			BatchSize:   signal.BatchSize,
			CompletedAt: signal.CompletedAt,
		},
		Resources: []string{signal.BatchID},
	})
	if err != nil {
		return false, apperrors.Wrap(err, "failed to publish batch completed event")
	}

	changed, err := t.store.MarkDispatched(ctx, signal.BatchID)
	if err != nil {
		// The event is out; a redelivery publishes it again.
		return true, apperrors.Wrap(err, "failed to mark batch dispatched")
	}
	if !changed {
		logger.Warn("Batch was not in a dispatchable state", zap.String("status", string(batch.Status)))
	}
	t.metrics.IncrementCounter(observability.MetricBatchesDispatched, nil)
	logger.Info("Next stage started", zap.Int("batch_size", signal.BatchSize))
	return true, nil
}

// HandleSQS processes one delivery from the all-tasks-done queue.
func (t *Trigger) HandleSQS(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	start := time.Now()
	logger := logging.WithInvocation(ctx, t.logger)
	tags := map[string]string{"handler": "nextstage"}
	t.metrics.IncrementCounterBy(observability.MetricMessagesReceived, float64(len(event.Records)), tags)

	var failures queue.Failures
	for _, msg := range event.Records {
		signal, err := fanout.DecodeBatchComplete(msg.Body)
		if err == nil {
			_, err = t.Dispatch(ctx, signal)
		}
		if err == nil {
			continue
		}
		if apperrors.IsValidation(err) {
			t.metrics.IncrementCounter(observability.MetricMessagesPoisoned, tags)
			if !t.deadLetter.Route(ctx, msg, err) {
				failures.Add(msg.MessageId)
			}
			continue
		}
		logger.Error("Dispatch failed, message will be redelivered", zap.String("message_id", msg.MessageId), zap.Error(err))
		t.metrics.IncrementCounter(observability.MetricMessagesFailed, tags)
		failures.Add(msg.MessageId)
	}

	t.metrics.RecordDuration(observability.MetricHandlerDuration, time.Since(start), tags)
	if err := t.metrics.Flush(ctx); err != nil {
		logger.Warn("Metrics flush failed", zap.Error(err))
	}
	return failures.Response(t.partial)
}
