package asyncprocess

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/eventbus"
	"github.com/yuryprokashev/public-writing/internal/logging"
)

// Processor simulates the long-running work behind a process.
type Processor struct {
	publisher eventbus.Publisher
	minDelay  time.Duration
	maxDelay  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProcessor creates a processor that works for a random duration in
// [minDelay, maxDelay].
func NewProcessor(publisher eventbus.Publisher, minDelay, maxDelay time.Duration, logger *zap.Logger) *Processor {
	return &Processor{
		publisher: publisher,
		minDelay:  minDelay,
		maxDelay:  maxDelay,
		sleep:     sleepContext,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// HandleEvent runs the process for a start event and publishes done.
func (p *Processor) HandleEvent(ctx context.Context, evt events.CloudWatchEvent) error {
	logger := logging.WithInvocation(ctx, p.logger)
	pe, err := decodeEvent(evt)
	if err != nil {
		return err
	}
	if pe.Status != StatusStart {
		logger.Debug("Ignoring process event", zap.String("status", pe.Status), zap.String("process_id", pe.ID))
		return nil
	}

	d := p.duration()
	logger.Info("Process running", zap.String("process_id", pe.ID), zap.Duration("duration", d))
	if err := p.sleep(ctx, d); err != nil {
		return apperrors.Wrap(err, "process interrupted")
	}
	if err := p.publisher.Publish(ctx, newEvent(StatusDone, pe.ID)); err != nil {
		return apperrors.Wrap(err, "failed to publish process completion")
	}
	logger.Info("Process finished", zap.String("process_id", pe.ID))
	return nil
}

func (p *Processor) duration() time.Duration {
	span := p.maxDelay - p.minDelay
	if span <= 0 {
		return p.minDelay
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minDelay + time.Duration(p.rng.Int63n(int64(span)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
