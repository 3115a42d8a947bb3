package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/queue"
	"github.com/yuryprokashev/public-writing/internal/worker"
)

var w *worker.Worker

func init() {
	base, err := di.NewBase(context.Background(), "TASK_DONE_QUEUE_URL")
	if err != nil {
		log.Fatalf("failed to initialize task worker: %v", err)
	}
	cfg := base.Config
	sender := queue.NewSQS(sqs.NewFromConfig(base.AWS), cfg.Generator.SendRetries, base.Logger)
	deadLetter := queue.NewDeadLetter(sender, cfg.Queues.DeadLetterQueueURL, base.Logger)
	w = worker.New(sender, cfg.Queues.TaskDoneQueueURL, deadLetter, cfg.Tracker.PartialBatchResponse, base.Logger, base.Metrics)
	w.SetDelays(cfg.Worker.MinDelay, cfg.Worker.MaxDelay)
}

func main() {
	lambda.Start(w.HandleSQS)
}
