package tracker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/fanout"
	"github.com/yuryprokashev/public-writing/internal/observability"
)

// DefaultClaimLease is shorter than the completion queue's 90s visibility
// timeout so a redelivery after a crash always finds the claim expired.
const DefaultClaimLease = 30 * time.Second

// Signaler publishes the batch-complete signal.
type Signaler interface {
	Signal(ctx context.Context, msg fanout.BatchComplete) error
}

// Result describes what tracking one batch group did.
type Result struct {
	BatchID  string
	Count    int
	Size     int
	Status   Status
	Signaled bool
}

// Tracker records completions and emits the batch-complete signal once.
type Tracker struct {
	store    Store
	signaler Signaler
	lease    time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	metrics  observability.Metrics
	tracer   trace.Tracer
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLease sets the claim lease.
func WithLease(lease time.Duration) Option {
	return func(t *Tracker) { t.lease = lease }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a tracker.
func New(store Store, signaler Signaler, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		signaler: signaler,
		lease:    DefaultClaimLease,
		clock:    time.Now,
		logger:   logger,
		metrics:  observability.Noop{},
		tracer:   observability.Tracer("public-writing/tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track records one batch group and, when it completes the batch, claims,
// signals and completes it. Any store or signal failure is returned so the
// group's messages are redelivered; every step is safe to repeat.
func (t *Tracker) Track(ctx context.Context, g *fanout.Group) (res Result, err error) {
	ctx, span := t.tracer.Start(ctx, "tracker.Track", trace.WithAttributes(
		attribute.String("batch.id", g.BatchID),
		attribute.Int("batch.size", g.Size),
		attribute.Int("batch.records", len(g.Indexes)),
	))
	defer func() { observability.EndSpan(span, err) }()

	logger := t.logger.With(zap.String("batch_id", g.BatchID))
	res = Result{BatchID: g.BatchID, Size: g.Size}

	batch, err := t.store.Record(ctx, g.BatchID, g.Size, g.Indexes)
	if err != nil {
		return res, apperrors.Wrap(err, "failed to record completions")
	}
	res.Count = batch.Count()
	res.Status = batch.Status
	t.metrics.IncrementCounterBy(observability.MetricCompletionsTracked, float64(len(g.Indexes)), nil)
	if g.Duplicates > 0 {
		t.metrics.IncrementCounterBy(observability.MetricDuplicates, float64(g.Duplicates), nil)
	}
	span.SetAttributes(attribute.Int("batch.count", res.Count), attribute.String("batch.status", string(batch.Status)))

	logger.Debug("Completions recorded",
		zap.Int("count", res.Count),
		zap.Int("size", batch.Size),
		zap.String("status", string(batch.Status)),
	)

	if !batch.Done() || batch.Status.Signaled() {
		return res, nil
	}

	now := t.clock()
	claimed, err := t.store.Claim(ctx, g.BatchID, now, t.lease)
	if err != nil {
		return res, apperrors.Wrap(err, "failed to claim batch")
	}
	if !claimed {
		return t.contended(ctx, res, logger)
	}
	res.Status = StatusSignaling

	signal := fanout.BatchComplete{BatchID: g.BatchID, BatchSize: batch.Size, CompletedAt: now.UTC()}
	if err := t.signaler.Signal(ctx, signal); err != nil {
		logger.Error("Failed to publish batch complete signal", zap.Error(err))
		return res, apperrors.Wrap(err, "failed to signal batch completion")
	}
	res.Signaled = true
	t.metrics.IncrementCounter(observability.MetricBatchesSignaled, nil)

	if err := t.store.Complete(ctx, g.BatchID); err != nil {
		// The signal is out; the redelivery finds the batch dispatched or
		// reclaims it after the lease.
		logger.Error("Signal published but batch not marked complete", zap.Error(err))
		return res, apperrors.Wrap(err, "failed to complete batch")
	}
	res.Status = StatusComplete

	logger.Info("Batch complete signal published", zap.Int("size", batch.Size))
	return res, nil
}

// contended handles a done batch whose claim is held elsewhere. A batch
// that was signaled meanwhile needs nothing more. A live claim held by
// another invocation is returned as a retryable conflict so these messages
// come back after the lease and can take over if the holder died.
func (t *Tracker) contended(ctx context.Context, res Result, logger *zap.Logger) (Result, error) {
	current, err := t.store.Get(ctx, res.BatchID)
	if err != nil {
		return res, apperrors.Wrap(err, "failed to read contended batch")
	}
	res.Status = current.Status
	if current.Status.Signaled() {
		return res, nil
	}
	t.metrics.IncrementCounter(observability.MetricClaimContended, nil)
	logger.Info("Batch claim held by another invocation",
		zap.Time("claimed_at", current.ClaimedAt),
		zap.Duration("lease", t.lease),
	)
	return res, apperrors.Conflict(apperrors.CodeConcurrentUpdate, "batch is being signaled by another invocation").
		WithResource(res.BatchID).
		Build()
}
