package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/nextstage"
)

var trigger *nextstage.Trigger

func init() {
	var err error
	trigger, err = di.InitializeNextStage(context.Background())
	if err != nil {
		log.Fatalf("failed to initialize next stage: %v", err)
	}
}

func main() {
	lambda.Start(trigger.HandleSQS)
}
