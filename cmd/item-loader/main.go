package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yuryprokashev/public-writing/internal/blob"
	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/queue"
	"github.com/yuryprokashev/public-writing/internal/ratelimit"
)

var loader *ratelimit.Loader

func init() {
	base, err := di.NewBase(context.Background(), "ITEM_QUEUE_URL", "ITEM_BUCKET_NAME")
	if err != nil {
		log.Fatalf("failed to initialize item loader: %v", err)
	}
	cfg := base.Config
	api := ratelimit.NewBreakerAPI(ratelimit.NewSimulatedAPI(), ratelimit.DefaultBreakerConfig("item-api"), base.Logger)
	sender := queue.NewSQS(sqs.NewFromConfig(base.AWS), cfg.Generator.SendRetries, base.Logger)
	objects := blob.NewS3(s3.NewFromConfig(base.AWS), cfg.Items.BucketName)
	deadLetter := queue.NewDeadLetter(sender, cfg.Queues.DeadLetterQueueURL, base.Logger)
	loader = ratelimit.NewLoader(api, objects, sender, cfg.Queues.ItemQueueURL, deadLetter, cfg.Tracker.PartialBatchResponse, base.Logger, base.Metrics)
}

func main() {
	lambda.Start(loader.HandleSQS)
}
