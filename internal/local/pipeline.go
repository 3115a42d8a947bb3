// Package local runs the whole pipeline in one process on in-memory queues,
// bus and store. Queue pumps stand in for the SQS event source mappings.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yuryprokashev/public-writing/internal/asyncprocess"
	"github.com/yuryprokashev/public-writing/internal/config"
	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/eventbus"
	"github.com/yuryprokashev/public-writing/internal/generator"
	"github.com/yuryprokashev/public-writing/internal/httpapi"
	"github.com/yuryprokashev/public-writing/internal/nextstage"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
	"github.com/yuryprokashev/public-writing/internal/tracker"
	"github.com/yuryprokashev/public-writing/internal/worker"
)

// Queue names.
const (
	TaskQueue         = "local://task"
	TaskDoneQueue     = "local://task-done"
	AllTasksDoneQueue = "local://all-tasks-done"
	DeadLetterQueue   = "local://dead-letter"
)

// maxReceive matches the SQS batch size of the deployed mappings.
const maxReceive = 10

// SQSHandler is the signature shared by the queue-driven handlers.
type SQSHandler func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error)

// Pipeline holds every component of the local deployment.
type Pipeline struct {
	Queues      *queue.Memory
	Bus         *eventbus.Memory
	Store       *tracker.MemoryStore
	Generator   *generator.Generator
	Worker      *worker.Worker
	Tracker     *tracker.Handler
	NextStage   *nextstage.Trigger
	Processes   *asyncprocess.API
	Connections *asyncprocess.MemoryConnections

	pumps  []pump
	logger *zap.Logger
}

type pump struct {
	queueURL string
	handler  SQSHandler
}

// NewPipeline wires the components from cfg.
func NewPipeline(cfg *config.Config, logger *zap.Logger, metrics observability.Metrics) *Pipeline {
	q := queue.NewMemory()
	bus := eventbus.NewMemory(cfg.Events.Source)
	store := tracker.NewMemoryStore()
	deadLetter := queue.NewDeadLetter(q, DeadLetterQueue, logger)
	partial := true

	w := worker.New(q, TaskDoneQueue, deadLetter, partial, logger, metrics)
	w.SetDelays(cfg.Worker.MinDelay, cfg.Worker.MaxDelay)

	t := tracker.New(store, tracker.NewQueueSignaler(q, AllTasksDoneQueue), logger,
		tracker.WithLease(cfg.Tracker.ClaimLease),
		tracker.WithMetrics(metrics),
	)

	p := &Pipeline{
		Queues:      q,
		Bus:         bus,
		Store:       store,
		Generator:   generator.New(q, TaskQueue, cfg.Generator.DefaultBatchSize, cfg.Generator.MaxBatchSize, logger, metrics),
		Worker:      w,
		Tracker:     tracker.NewHandler(t, deadLetter, partial, logger, metrics),
		NextStage:   nextstage.New(store, bus, deadLetter, partial, logger, metrics),
		Processes:   asyncprocess.NewAPI(bus, logger),
		Connections: asyncprocess.NewMemoryConnections(),
		logger:      logger,
	}
	p.pumps = []pump{
		{TaskQueue, p.Worker.HandleSQS},
		{TaskDoneQueue, p.Tracker.HandleSQS},
		{AllTasksDoneQueue, p.NextStage.HandleSQS},
	}

	processor := asyncprocess.NewProcessor(bus, cfg.Notify.ProcessMinDelay, cfg.Notify.ProcessMaxDelay, logger)
	listener := asyncprocess.NewListener(p.Connections, asyncprocess.LogPusher{Logger: logger}, logger, metrics)
	bus.Subscribe(asyncprocess.DetailTypeProcess, background(processor.HandleEvent, logger))
	bus.Subscribe(asyncprocess.DetailTypeProcess, listener.HandleEvent)
	bus.Subscribe(nextstage.DetailTypeBatchCompleted, func(ctx context.Context, evt events.CloudWatchEvent) error {
		logger.Info("Next stage triggered", zap.ByteString("detail", evt.Detail))
		return nil
	})
	return p
}

// background runs h off the publishing goroutine, as the bus would invoke
// a separate Lambda.
func background(h eventbus.Handler, logger *zap.Logger) eventbus.Handler {
	return func(ctx context.Context, evt events.CloudWatchEvent) error {
		go func() {
			if err := h(context.Background(), evt); err != nil {
				logger.Error("Event handler failed", zap.String("detail_type", evt.DetailType), zap.Error(err))
			}
		}()
		return nil
	}
}

// PumpOnce delivers up to one batch from every queue. It reports whether
// any message was delivered.
func (p *Pipeline) PumpOnce(ctx context.Context) bool {
	delivered := false
	for _, pm := range p.pumps {
		if p.deliver(ctx, pm) {
			delivered = true
		}
	}
	return delivered
}

func (p *Pipeline) deliver(ctx context.Context, pm pump) bool {
	event := p.Queues.Receive(pm.queueURL, maxReceive)
	if len(event.Records) == 0 {
		return false
	}
	resp, err := pm.handler(ctx, event)
	if err != nil {
		p.logger.Warn("Batch failed, redelivering", zap.String("queue", pm.queueURL), zap.Error(err))
		p.Queues.Requeue(pm.queueURL, event.Records)
		return true
	}
	if len(resp.BatchItemFailures) == 0 {
		return true
	}
	failed := make(map[string]bool, len(resp.BatchItemFailures))
	for _, f := range resp.BatchItemFailures {
		failed[f.ItemIdentifier] = true
	}
	var retry []events.SQSMessage
	for _, msg := range event.Records {
		if failed[msg.MessageId] {
			retry = append(retry, msg)
		}
	}
	p.Queues.Requeue(pm.queueURL, retry)
	return true
}

// Drain pumps until every queue is empty or maxRounds is reached.
func (p *Pipeline) Drain(ctx context.Context, maxRounds int) error {
	for i := 0; i < maxRounds; i++ {
		if !p.PumpOnce(ctx) {
			return nil
		}
	}
	return apperrors.Internal("DRAIN_INCOMPLETE", "queues did not drain").Build()
}

// Run pumps every queue until ctx is cancelled, idling for interval when a
// queue is empty.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, pm := range p.pumps {
		pm := pm
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if p.deliver(gctx, pm) {
					continue
				}
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// Routes mounts the local HTTP surface: batch generation, the process API
// and a WebSocket stand-in for subscribing to a process.
func (p *Pipeline) Routes(r chi.Router) {
	p.Processes.Routes(r)
	r.Post("/batches", p.generate)
	r.Post("/processes/{id}/subscriptions/{connectionID}", p.subscribe)
}

func (p *Pipeline) generate(w http.ResponseWriter, r *http.Request) {
	var req generator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpapi.WriteError(w, apperrors.Validation(apperrors.CodeInvalidInput, "invalid request body").WithCause(err).Build(), p.logger)
		return
	}
	resp, err := p.Generator.Generate(r.Context(), req)
	if err != nil {
		httpapi.WriteError(w, err, p.logger)
		return
	}
	httpapi.Success(w, http.StatusAccepted, resp)
}

func (p *Pipeline) subscribe(w http.ResponseWriter, r *http.Request) {
	processID, connID := chi.URLParam(r, "id"), chi.URLParam(r, "connectionID")
	if err := p.Connections.Put(r.Context(), processID, connID); err != nil {
		httpapi.WriteError(w, err, p.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
