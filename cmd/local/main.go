// Command local runs the pipeline in one process with in-memory queues, an
// HTTP API, Prometheus metrics and configuration hot reload.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yuryprokashev/public-writing/internal/config"
	"github.com/yuryprokashev/public-writing/internal/httpapi"
	"github.com/yuryprokashev/public-writing/internal/local"
	"github.com/yuryprokashev/public-writing/internal/logging"
	"github.com/yuryprokashev/public-writing/internal/observability"
)

func main() {
	loader := config.NewLoader(os.Getenv("CONFIG_FILE"))
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: cfg.Observability.ServiceName,
		Environment: string(cfg.Environment),
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Enabled:     cfg.Observability.TracingEnabled,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	metrics := observability.NewCollector(cfg.Observability.MetricsNamespace)
	pipeline := local.NewPipeline(cfg, logger, metrics)

	watcher, err := config.NewWatcher(loader, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to watch configuration", zap.Error(err))
	}
	defer watcher.Stop()
	watcher.OnChange(func(c *config.Config) {
		pipeline.Worker.SetDelays(c.Worker.MinDelay, c.Worker.MaxDelay)
		logger.Info("Worker delays updated",
			zap.Duration("min_delay", c.Worker.MinDelay),
			zap.Duration("max_delay", c.Worker.MaxDelay),
		)
	})

	r := httpapi.NewRouter(cfg.HTTP.AllowedOrigins)
	pipeline.Routes(r)
	api := &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(gctx, 100*time.Millisecond) })
	for _, srv := range []*http.Server{api, metricsServer} {
		srv := srv
		g.Go(func() error {
			logger.Info("Listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Local runner stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Local runner stopped")
}
