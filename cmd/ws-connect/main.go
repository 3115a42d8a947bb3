package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/yuryprokashev/public-writing/internal/asyncprocess"
	"github.com/yuryprokashev/public-writing/internal/di"
)

var connector *asyncprocess.Connector

func init() {
	base, err := di.NewBase(context.Background(), "CONNECTIONS_TABLE_NAME")
	if err != nil {
		log.Fatalf("failed to initialize ws-connect: %v", err)
	}
	cfg := base.Config
	connections := asyncprocess.NewDynamoConnections(dynamodb.NewFromConfig(base.AWS), cfg.Notify.ConnectionsTableName, cfg.Notify.ConnectionTTL, base.Logger)
	connector = asyncprocess.NewConnector(connections, base.Logger)
}

func main() {
	lambda.Start(connector.HandleConnect)
}
