package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/queue"
	"github.com/yuryprokashev/public-writing/internal/ratelimit"
)

var gen *ratelimit.Generator

func init() {
	base, err := di.NewBase(context.Background(), "ITEM_QUEUE_URL")
	if err != nil {
		log.Fatalf("failed to initialize item generator: %v", err)
	}
	cfg := base.Config
	api := ratelimit.NewBreakerAPI(ratelimit.NewSimulatedAPI(), ratelimit.DefaultBreakerConfig("item-api"), base.Logger)
	sender := queue.NewSQS(sqs.NewFromConfig(base.AWS), cfg.Generator.SendRetries, base.Logger)
	gen = ratelimit.NewGenerator(api, sender, cfg.Queues.ItemQueueURL, cfg.Items.RateLimit, cfg.Items.DelaySeconds, base.Logger)
}

func handle(ctx context.Context) (map[string]int, error) {
	task, err := gen.Generate(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"items": len(task.Items), "rateLimit": task.RateLimit}, nil
}

func main() {
	lambda.Start(handle)
}
