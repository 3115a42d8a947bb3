// Package awsclient loads the shared AWS SDK configuration for Lambda binaries.
package awsclient

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"
	"go.uber.org/zap"

	"github.com/yuryprokashev/public-writing/internal/config"
)

// Load builds the SDK configuration: region override, adaptive retries, a
// keep-alive HTTP client sized for Lambda, and X-Ray instrumentation of every
// SDK call when enabled.
func Load(ctx context.Context, cfg *config.Config, logger *zap.Logger) (aws.Config, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithHTTPClient(newHTTPClient()),
		awsConfig.WithRetryMode(aws.RetryModeAdaptive),
		awsConfig.WithRetryMaxAttempts(cfg.AWS.MaxRetries),
	}
	if cfg.AWS.Region != "" {
		opts = append(opts, awsConfig.WithRegion(cfg.AWS.Region))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.AWS.XRay {
		awsv2.AWSV2Instrumentor(&awsCfg.APIOptions)
	}

	logger.Debug("AWS config loaded",
		zap.String("region", awsCfg.Region),
		zap.Bool("xray", cfg.AWS.XRay),
		zap.Duration("duration", time.Since(startTime)),
	)
	return awsCfg, nil
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		// A Lambda sandbox serves one invocation at a time.
		transport.MaxIdleConns = 100
		transport.MaxIdleConnsPerHost = 10
	}
	return &http.Client{Timeout: 30 * time.Second, Transport: transport}
}
