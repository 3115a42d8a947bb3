package main

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yuryprokashev/public-writing/internal/blob"
	"github.com/yuryprokashev/public-writing/internal/di"
	"github.com/yuryprokashev/public-writing/internal/records"
)

var handler *records.Handler

func init() {
	base, err := di.NewBase(context.Background())
	if err != nil {
		log.Fatalf("failed to initialize record writer: %v", err)
	}
	cfg := base.Config
	writers := map[string]records.Writer{}
	if cfg.Records.BucketName != "" {
		writers[records.WriterJSON] = records.NewJSONWriter(blob.NewS3(s3.NewFromConfig(base.AWS), cfg.Records.BucketName))
	}
	if cfg.Records.FirehoseName != "" {
		writers[records.WriterFirehose] = records.NewFirehoseWriter(firehose.NewFromConfig(base.AWS), cfg.Records.FirehoseName, base.Logger)
	}
	if len(writers) == 0 {
		log.Fatalf("record writer needs BUCKET_NAME or FIREHOSE_NAME")
	}
	handler = records.NewHandler(records.NewGenerator(time.Now().UnixNano()), writers, cfg.Records.DefaultCount, base.Logger, base.Metrics)
}

func main() {
	lambda.Start(handler.Handle)
}
