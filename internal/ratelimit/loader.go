package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yuryprokashev/public-writing/internal/blob"
	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/logging"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
)

// ItemKey is the object key of an item loaded on day.
func ItemKey(day time.Time, id int) string {
	return fmt.Sprintf("item/%s/%d.json", day.Format("2006-01-02"), id)
}

// Generator lists the items once and enqueues the first load task.
type Generator struct {
	api          ItemAPI
	sender       queue.Sender
	queueURL     string
	rateLimit    int
	delaySeconds int
	logger       *zap.Logger
}

// NewGenerator creates the item generator.
func NewGenerator(api ItemAPI, sender queue.Sender, queueURL string, rateLimit, delaySeconds int, logger *zap.Logger) *Generator {
	return &Generator{
		api:          api,
		sender:       sender,
		queueURL:     queueURL,
		rateLimit:    rateLimit,
		delaySeconds: delaySeconds,
		logger:       logger,
	}
}

// Generate returns the task it enqueued.
func (g *Generator) Generate(ctx context.Context) (LoadTask, error) {
	ids, err := g.api.ListItemIDs(ctx)
	if err != nil {
		return LoadTask{}, apperrors.Wrap(err, "failed to list items")
	}
	task := LoadTask{RateLimit: g.rateLimit, DelaySeconds: g.delaySeconds, Items: make([]ItemRef, len(ids))}
	for i, id := range ids {
		task.Items[i] = ItemRef{ItemID: id}
	}
	if err := enqueue(ctx, g.sender, g.queueURL, task); err != nil {
		return LoadTask{}, err
	}
	g.logger.Info("Item load scheduled",
		zap.Int("items", len(ids)),
		zap.Int("rate_limit", task.RateLimit),
		zap.Int("delay_seconds", task.DelaySeconds),
	)
	return task, nil
}

// Loader handles item queue deliveries.
type Loader struct {
	api        ItemAPI
	writer     blob.Writer
	sender     queue.Sender
	queueURL   string
	deadLetter *queue.DeadLetter
	partial    bool
	clock      func() time.Time
	logger     *zap.Logger
	metrics    observability.Metrics
}

// NewLoader creates the item loader. Remaining items are re-enqueued on queueURL.
func NewLoader(api ItemAPI, writer blob.Writer, sender queue.Sender, queueURL string, deadLetter *queue.DeadLetter, partial bool, logger *zap.Logger, metrics observability.Metrics) *Loader {
	return &Loader{
		api:        api,
		writer:     writer,
		sender:     sender,
		queueURL:   queueURL,
		deadLetter: deadLetter,
		partial:    partial,
		clock:      time.Now,
		logger:     logger,
		metrics:    metrics,
	}
}

// HandleSQS loads one window of items per task message.
func (l *Loader) HandleSQS(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	logger := logging.WithInvocation(ctx, l.logger)
	tags := map[string]string{"handler": "item-loader"}

	var failures queue.Failures
	for _, msg := range event.Records {
		err := l.process(ctx, msg.Body, logger)
		if err == nil {
			continue
		}
		if apperrors.IsValidation(err) {
			l.metrics.IncrementCounter(observability.MetricMessagesPoisoned, tags)
			if !l.deadLetter.Route(ctx, msg, err) {
				failures.Add(msg.MessageId)
			}
			continue
		}
		logger.Error("Item load failed, message will be redelivered", zap.String("message_id", msg.MessageId), zap.Error(err))
		l.metrics.IncrementCounter(observability.MetricMessagesFailed, tags)
		failures.Add(msg.MessageId)
	}

	if err := l.metrics.Flush(ctx); err != nil {
		logger.Warn("Metrics flush failed", zap.Error(err))
	}
	return failures.Response(l.partial)
}

func (l *Loader) process(ctx context.Context, body string, logger *zap.Logger) error {
	var task LoadTask
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return apperrors.Validation(apperrors.CodeInvalidMessage, "malformed load task").WithCause(err).Build()
	}
	if err := task.Validate(); err != nil {
		return err
	}

	window, rest := task.Items, []ItemRef(nil)
	if len(window) > task.RateLimit {
		window, rest = task.Items[:task.RateLimit], task.Items[task.RateLimit:]
	}
	if err := l.load(ctx, window, task.RateLimit); err != nil {
		return err
	}
	l.metrics.IncrementCounterBy(observability.MetricItemsLoaded, float64(len(window)), nil)

	if len(rest) > 0 {
		next := LoadTask{RateLimit: task.RateLimit, DelaySeconds: task.DelaySeconds, Items: rest}
		if err := enqueue(ctx, l.sender, l.queueURL, next); err != nil {
			return err
		}
	}
	logger.Info("Item window loaded", zap.Int("loaded", len(window)), zap.Int("remaining", len(rest)))
	return nil
}

// load fetches and stores items with at most limit calls in flight.
// Writes overwrite, so a retried window is harmless.
func (l *Loader) load(ctx context.Context, items []ItemRef, limit int) error {
	day := l.clock().UTC()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, ref := range items {
		id := ref.ItemID
		g.Go(func() error {
			item, err := l.api.GetItem(gctx, id)
			if err != nil {
				return err
			}
			body, err := json.Marshal(item)
			if err != nil {
				return err
			}
			return l.writer.Put(gctx, ItemKey(day, id), body, "application/json")
		})
	}
	if err := g.Wait(); err != nil {
		return apperrors.Wrap(err, "failed to load item window")
	}
	return nil
}

func enqueue(ctx context.Context, sender queue.Sender, queueURL string, task LoadTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return apperrors.Internal(apperrors.CodeInvalidMessage, "failed to encode load task").WithCause(err).Build()
	}
	delay := task.DelaySeconds
	if delay > queue.MaxDelaySeconds {
		delay = queue.MaxDelaySeconds
	}
	if err := sender.Send(ctx, queueURL, queue.Message{Body: string(body), DelaySeconds: int32(delay)}); err != nil {
		return apperrors.Wrap(err, "failed to enqueue load task")
	}
	return nil
}
