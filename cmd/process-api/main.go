package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"

	"github.com/yuryprokashev/public-writing/internal/asyncprocess"
	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/eventbus"
	"github.com/yuryprokashev/public-writing/internal/httpapi"
)

var handler httpapi.LambdaHandler

func init() {
	base, err := di.NewBase(context.Background())
	if err != nil {
		log.Fatalf("failed to initialize process API: %v", err)
	}
	cfg := base.Config
	publisher := eventbus.NewEventBridge(eventbridge.NewFromConfig(base.AWS), cfg.Events.EventBusName, cfg.Events.Source, base.Logger)

	r := httpapi.NewRouter(cfg.HTTP.AllowedOrigins)
	asyncprocess.NewAPI(publisher, base.Logger).Routes(r)
	handler = httpapi.NewLambdaHandler(r)
	base.Logger.Info("Process API initialized")
}

func main() {
	lambda.Start(handler)
}
