package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/yuryprokashev/public-writing/internal/asyncprocess"
	"github.com/yuryprokashev/public-writing/internal/di"
)

var listener *asyncprocess.Listener

func init() {
	base, err := di.NewBase(context.Background(), "CONNECTIONS_TABLE_NAME", "WEBSOCKET_ENDPOINT")
	if err != nil {
		log.Fatalf("failed to initialize process listener: %v", err)
	}
	cfg := base.Config
	endpoint := cfg.Notify.WebSocketEndpoint
	management := apigatewaymanagementapi.NewFromConfig(base.AWS, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = &endpoint
	})
	connections := asyncprocess.NewDynamoConnections(dynamodb.NewFromConfig(base.AWS), cfg.Notify.ConnectionsTableName, cfg.Notify.ConnectionTTL, base.Logger)
	listener = asyncprocess.NewListener(connections, asyncprocess.NewGatewayPusher(management), base.Logger, base.Metrics)
}

func main() {
	lambda.Start(listener.HandleEvent)
}
