// Package generator fans a batch of tasks out to the task queue.
package generator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/fanout"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
)

// Request is the generator invocation payload. A missing batch size uses
// the configured default.
type Request struct {
	BatchSize *int `json:"batch_size,omitempty"`
}

// Response identifies the batch that was sent.
type Response struct {
	BatchID   string `json:"batch_id"`
	BatchSize int    `json:"batch_size"`
}

// Generator builds and sends the tasks of one batch.
type Generator struct {
	sender      queue.Sender
	queueURL    string
	defaultSize int
	maxSize     int
	newID       func() (string, error)
	logger      *zap.Logger
	metrics     observability.Metrics
}

// New creates a generator sending to queueURL.
func New(sender queue.Sender, queueURL string, defaultSize, maxSize int, logger *zap.Logger, metrics observability.Metrics) *Generator {
	return &Generator{
		sender:      sender,
		queueURL:    queueURL,
		defaultSize: defaultSize,
		maxSize:     maxSize,
		newID:       fanout.NewBatchID,
		logger:      logger,
		metrics:     metrics,
	}
}

// Generate sends req's batch. The queue sender retries failed entries; if
// any entry still fails the invocation fails and tasks already sent stay
// on the queue.
func (g *Generator) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	size := g.defaultSize
	if req.BatchSize != nil {
		size = *req.BatchSize
	}
	if size < 1 || size > g.maxSize {
		return Response{}, apperrors.Validation(apperrors.CodeInvalidInput, "invalid batch_size").
			WithDetails(fmt.Sprintf("batch_size must be between 1 and %d, got %d", g.maxSize, size)).
			Build()
	}

	batchID, err := g.newID()
	if err != nil {
		return Response{}, apperrors.Internal(apperrors.CodeInvalidInput, "failed to generate batch id").WithCause(err).Build()
	}
	logger := g.logger.With(zap.String("batch_id", batchID), zap.Int("batch_size", size))

	tasks := fanout.NewTasks(batchID, size)
	msgs := make([]queue.Message, 0, len(tasks))
	for _, task := range tasks {
		body, err := fanout.Encode(task)
		if err != nil {
			return Response{}, err
		}
		msgs = append(msgs, queue.Message{Body: body})
	}

	if err := g.sender.SendBatch(ctx, g.queueURL, msgs); err != nil {
		logger.Error("Failed to send batch tasks", zap.Error(err))
		return Response{}, apperrors.Wrap(err, "failed to send tasks")
	}
	g.metrics.IncrementCounterBy(observability.MetricTasksSent, float64(size), nil)
	g.metrics.RecordDuration(observability.MetricHandlerDuration, time.Since(start), map[string]string{"handler": "generator"})
	if err := g.metrics.Flush(ctx); err != nil {
		logger.Warn("Metrics flush failed", zap.Error(err))
	}

	logger.Info("Batch generated", zap.Duration("duration", time.Since(start)))
	return Response{BatchID: batchID, BatchSize: size}, nil
}
