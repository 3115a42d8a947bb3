package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	awsathena "github.com/aws/aws-sdk-go-v2/service/athena"

	"github.com/yuryprokashev/public-writing/internal/athena"
	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/httpapi"
)

var handler httpapi.LambdaHandler

func init() {
	base, err := di.NewBase(context.Background(), "DATABASE_NAME")
	if err != nil {
		log.Fatalf("failed to initialize stock API: %v", err)
	}
	cfg := base.Config
	querier := athena.NewQuerier(awsathena.NewFromConfig(base.AWS), athena.Options{
		Database:           cfg.Athena.DatabaseName,
		Workgroup:          cfg.Athena.WorkgroupName,
		Catalog:            cfg.Athena.CatalogName,
		ResultReuseMinutes: cfg.Athena.ResultReuseMinutes,
		PollInterval:       cfg.Athena.PollInterval,
	}, base.Logger)

	r := httpapi.NewRouter(cfg.HTTP.AllowedOrigins)
	athena.NewStockAPI(querier, base.Logger, base.Metrics).Routes(r)
	handler = httpapi.NewLambdaHandler(r)
}

func main() {
	lambda.Start(handler)
}
