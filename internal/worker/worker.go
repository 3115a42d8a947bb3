// Package worker performs tasks and reports their completion to the
// task-done queue.
package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/fanout"
	"github.com/yuryprokashev/public-writing/internal/logging"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
)

// Worker simulates task work with a random delay and echoes each task as a
// completion record.
type Worker struct {
	sender     queue.Sender
	doneURL    string
	deadLetter *queue.DeadLetter
	partial    bool
	logger     *zap.Logger
	metrics    observability.Metrics

	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a worker sending completions to doneURL.
func New(sender queue.Sender, doneURL string, deadLetter *queue.DeadLetter, partial bool, logger *zap.Logger, metrics observability.Metrics) *Worker {
	return &Worker{
		sender:     sender,
		doneURL:    doneURL,
		deadLetter: deadLetter,
		partial:    partial,
		logger:     logger,
		metrics:    metrics,
		minDelay:   time.Second,
		maxDelay:   20 * time.Second,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepContext,
	}
}

// SetDelays changes the simulated work duration range. It is safe to call
// while messages are being handled.
func (w *Worker) SetDelays(min, max time.Duration) {
	if max < min {
		max = min
	}
	w.mu.Lock()
	w.minDelay, w.maxDelay = min, max
	w.mu.Unlock()
}

func (w *Worker) delay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	span := w.maxDelay - w.minDelay
	if span <= 0 {
		return w.minDelay
	}
	return w.minDelay + time.Duration(w.rng.Int63n(int64(span)+1))
}

// HandleSQS processes one delivery of task messages.
func (w *Worker) HandleSQS(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	start := time.Now()
	logger := logging.WithInvocation(ctx, w.logger)
	tags := map[string]string{"handler": "worker"}
	w.metrics.IncrementCounterBy(observability.MetricMessagesReceived, float64(len(event.Records)), tags)

	var failures queue.Failures
	for _, msg := range event.Records {
		if err := w.process(ctx, msg, logger); err != nil {
			if apperrors.IsValidation(err) {
				w.metrics.IncrementCounter(observability.MetricMessagesPoisoned, tags)
				if !w.deadLetter.Route(ctx, msg, err) {
					failures.Add(msg.MessageId)
				}
				continue
			}
			logger.Error("Task failed, message will be redelivered", zap.String("message_id", msg.MessageId), zap.Error(err))
			w.metrics.IncrementCounter(observability.MetricMessagesFailed, tags)
			failures.Add(msg.MessageId)
		}
	}

	w.metrics.RecordDuration(observability.MetricHandlerDuration, time.Since(start), tags)
	if err := w.metrics.Flush(ctx); err != nil {
		logger.Warn("Metrics flush failed", zap.Error(err))
	}
	return failures.Response(w.partial)
}

func (w *Worker) process(ctx context.Context, msg events.SQSMessage, logger *zap.Logger) error {
	task, err := fanout.DecodeTask(msg.Body)
	if err != nil {
		return err
	}
	logger = logger.With(
		zap.String("message_id", msg.MessageId),
		zap.String("batch_id", task.BatchID),
		zap.Int("task_index", task.TaskIndex),
	)

	d := w.delay()
	logger.Debug("Working on task", zap.Duration("delay", d))
	if err := w.sleep(ctx, d); err != nil {
		return apperrors.Wrap(err, "task interrupted")
	}

	body, err := fanout.Encode(task.Complete())
	if err != nil {
		return err
	}
	if err := w.sender.Send(ctx, w.doneURL, queue.Message{Body: body}); err != nil {
		return apperrors.Wrap(err, "failed to report task completion")
	}
	logger.Info("Task done", zap.Duration("delay", d))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
