package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"

	"github.com/yuryprokashev/public-writing/internal/asyncprocess"
	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/eventbus"
)

var processor *asyncprocess.Processor

func init() {
	base, err := di.NewBase(context.Background())
	if err != nil {
		log.Fatalf("failed to initialize async process: %v", err)
	}
	cfg := base.Config
	publisher := eventbus.NewEventBridge(eventbridge.NewFromConfig(base.AWS), cfg.Events.EventBusName, cfg.Events.Source, base.Logger)
	processor = asyncprocess.NewProcessor(publisher, cfg.Notify.ProcessMinDelay, cfg.Notify.ProcessMaxDelay, base.Logger)
}

func main() {
	lambda.Start(processor.HandleEvent)
}
