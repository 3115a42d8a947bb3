package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"go.uber.org/zap"

	"github.com/yuryprokashev/public-writing/internal/config"
	"github.com/yuryprokashev/public-writing/internal/observability"
)

// Base is what every Lambda builds before its handler.
type Base struct {
	Config  *config.Config
	Logger  *zap.Logger
	AWS     aws.Config
	Metrics observability.Metrics
	Tracing *observability.TracerProvider
}

// NewBase loads configuration, checks the named settings are present and
// builds the logger, SDK configuration, metrics and tracing.
func NewBase(ctx context.Context, required ...string) (*Base, error) {
	cfg, err := ProvideConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Require(required...); err != nil {
		return nil, err
	}
	logger, err := ProvideLogger(cfg)
	if err != nil {
		return nil, err
	}
	awsCfg, err := ProvideAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	tp, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: cfg.Observability.ServiceName,
		Environment: string(cfg.Environment),
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Enabled:     cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return nil, err
	}
	return &Base{
		Config:  cfg,
		Logger:  logger,
		AWS:     awsCfg,
		Metrics: ProvideMetrics(cfg, cloudwatch.NewFromConfig(awsCfg), logger),
		Tracing: tp,
	}, nil
}
