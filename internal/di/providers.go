// Package di wires the completion pipeline Lambdas. Providers are plain
// constructors over the shared configuration; the injectors in wire.go are
// generated into wire_gen.go.
package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/yuryprokashev/public-writing/internal/awsclient"
	"github.com/yuryprokashev/public-writing/internal/config"
	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/eventbus"
	"github.com/yuryprokashev/public-writing/internal/logging"
	"github.com/yuryprokashev/public-writing/internal/nextstage"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
	"github.com/yuryprokashev/public-writing/internal/tracker"
	"github.com/yuryprokashev/public-writing/internal/tracker/ddbstore"
	"github.com/yuryprokashev/public-writing/internal/tracker/s3store"
)

// ConfigProviders load configuration and logging.
var ConfigProviders = wire.NewSet(
	ProvideConfig,
	ProvideLogger,
)

// AWSProviders build the SDK clients.
var AWSProviders = wire.NewSet(
	ProvideAWSConfig,
	ProvideSQSClient,
	ProvideDynamoDBClient,
	ProvideS3Client,
	ProvideEventBridgeClient,
	ProvideCloudWatchClient,
)

// InfrastructureProviders adapt the clients to the pipeline's ports.
var InfrastructureProviders = wire.NewSet(
	ProvideQueue,
	wire.Bind(new(queue.Sender), new(*queue.SQS)),
	ProvideDeadLetter,
	ProvideMetrics,
	ProvideTrackerStore,
)

// TrackerProviders build the completion tracker handler.
var TrackerProviders = wire.NewSet(
	ProvideSignaler,
	ProvideTracker,
	ProvideTrackerHandler,
)

// NextStageProviders build the next-stage trigger.
var NextStageProviders = wire.NewSet(
	ProvidePublisher,
	ProvideNextStageStore,
	ProvideNextStage,
)

func ProvideConfig() (*config.Config, error) {
	return config.Load()
}

func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg)
}

func ProvideAWSConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (aws.Config, error) {
	return awsclient.Load(ctx, cfg, logger)
}

func ProvideSQSClient(awsCfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(awsCfg)
}

func ProvideDynamoDBClient(awsCfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg)
}

func ProvideS3Client(awsCfg aws.Config) *s3.Client {
	return s3.NewFromConfig(awsCfg)
}

func ProvideEventBridgeClient(awsCfg aws.Config) *eventbridge.Client {
	return eventbridge.NewFromConfig(awsCfg)
}

func ProvideCloudWatchClient(awsCfg aws.Config) *cloudwatch.Client {
	return cloudwatch.NewFromConfig(awsCfg)
}

func ProvideQueue(client *sqs.Client, cfg *config.Config, logger *zap.Logger) *queue.SQS {
	return queue.NewSQS(client, cfg.Generator.SendRetries, logger)
}

func ProvideDeadLetter(sender queue.Sender, cfg *config.Config, logger *zap.Logger) *queue.DeadLetter {
	return queue.NewDeadLetter(sender, cfg.Queues.DeadLetterQueueURL, logger)
}

// ProvideMetrics selects the metrics backend. Prometheus has nothing to
// scrape inside a Lambda, so only the local runner uses it.
func ProvideMetrics(cfg *config.Config, client *cloudwatch.Client, logger *zap.Logger) observability.Metrics {
	switch cfg.Observability.MetricsBackend {
	case config.MetricsCloudWatch:
		return observability.NewCloudWatchMetrics(client, cfg.Observability.MetricsNamespace, logger)
	case config.MetricsPrometheus:
		return observability.NewCollector(cfg.Observability.MetricsNamespace)
	default:
		return observability.Noop{}
	}
}

// ProvideTrackerStore selects the batch store by TRACKER_BACKEND.
func ProvideTrackerStore(cfg *config.Config, ddb *dynamodb.Client, s3Client *s3.Client, logger *zap.Logger) (tracker.Store, error) {
	switch cfg.Tracker.Backend {
	case config.BackendDynamoDB:
		if err := cfg.Require("TRACKER_TABLE_NAME"); err != nil {
			return nil, err
		}
		return ddbstore.New(ddb, cfg.Tracker.TableName, logger, ddbstore.WithTTL(cfg.Tracker.RecordTTL)), nil
	case config.BackendS3:
		if err := cfg.Require("TRACKER_BUCKET_NAME"); err != nil {
			return nil, err
		}
		return s3store.New(s3Client, cfg.Tracker.BucketName, logger,
			s3store.WithKeyPrefix(cfg.Tracker.KeyPrefix),
			s3store.WithMaxRetries(cfg.Tracker.MaxCASRetries),
		), nil
	case config.BackendMemory:
		logger.Warn("Using in-memory tracker store, state is lost between cold starts")
		return tracker.NewMemoryStore(), nil
	default:
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "unknown tracker backend").WithDetails(cfg.Tracker.Backend).Build()
	}
}

func ProvideSignaler(sender queue.Sender, cfg *config.Config) (tracker.Signaler, error) {
	if err := cfg.Require("ALL_TASKS_DONE_QUEUE_URL"); err != nil {
		return nil, err
	}
	return tracker.NewQueueSignaler(sender, cfg.Queues.AllTasksDoneQueueURL), nil
}

func ProvideTracker(store tracker.Store, signaler tracker.Signaler, cfg *config.Config, logger *zap.Logger, metrics observability.Metrics) *tracker.Tracker {
	return tracker.New(store, signaler, logger,
		tracker.WithLease(cfg.Tracker.ClaimLease),
		tracker.WithMetrics(metrics),
	)
}

func ProvideTrackerHandler(t *tracker.Tracker, deadLetter *queue.DeadLetter, cfg *config.Config, logger *zap.Logger, metrics observability.Metrics) *tracker.Handler {
	return tracker.NewHandler(t, deadLetter, cfg.Tracker.PartialBatchResponse, logger, metrics)
}

func ProvidePublisher(client *eventbridge.Client, cfg *config.Config, logger *zap.Logger) eventbus.Publisher {
	return eventbus.NewEventBridge(client, cfg.Events.EventBusName, cfg.Events.Source, logger)
}

func ProvideNextStageStore(store tracker.Store) nextstage.Store {
	return store
}

func ProvideNextStage(store nextstage.Store, publisher eventbus.Publisher, deadLetter *queue.DeadLetter, cfg *config.Config, logger *zap.Logger, metrics observability.Metrics) *nextstage.Trigger {
	return nextstage.New(store, publisher, deadLetter, cfg.Tracker.PartialBatchResponse, logger, metrics)
}
