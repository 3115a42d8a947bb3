package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/generator"
	"github.com/yuryprokashev/public-writing/internal/queue"
)

var gen *generator.Generator

func init() {
	base, err := di.NewBase(context.Background(), "TASK_QUEUE_URL")
	if err != nil {
		log.Fatalf("failed to initialize task generator: %v", err)
	}
	cfg := base.Config
	sender := queue.NewSQS(sqs.NewFromConfig(base.AWS), cfg.Generator.SendRetries, base.Logger)
	gen = generator.New(sender, cfg.Queues.TaskQueueURL, cfg.Generator.DefaultBatchSize, cfg.Generator.MaxBatchSize, base.Logger, base.Metrics)
	base.Logger.Info("Task generator initialized", zap.String("task_queue_url", cfg.Queues.TaskQueueURL))
}

func main() {
	lambda.Start(gen.Generate)
}
