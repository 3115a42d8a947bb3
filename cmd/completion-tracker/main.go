package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/tracker"
)

var handler *tracker.Handler

func init() {
	var err error
	handler, err = di.InitializeCompletionTracker(context.Background())
	if err != nil {
		log.Fatalf("failed to initialize completion tracker: %v", err)
	}
}

func main() {
	lambda.Start(handler.HandleSQS)
}
