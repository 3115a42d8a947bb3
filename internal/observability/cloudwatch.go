package observability

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// PutMetricData accepts at most this many datums per call.
const maxDatumsPerCall = 1000

// CloudWatchClient is the subset of the CloudWatch API used here.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ CloudWatchClient = (*cloudwatch.Client)(nil)

// CloudWatchMetrics buffers data points during an invocation and ships them
// with PutMetricData on Flush.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *zap.Logger
	clock     func() time.Time

	mu     sync.Mutex
	datums []types.MetricDatum
}

// NewCloudWatchMetrics creates a buffered CloudWatch recorder.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *zap.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		clock:     time.Now,
	}
}

func (m *CloudWatchMetrics) IncrementCounter(name string, tags map[string]string) {
	m.IncrementCounterBy(name, 1, tags)
}

func (m *CloudWatchMetrics) IncrementCounterBy(name string, value float64, tags map[string]string) {
	m.add(name, value, types.StandardUnitCount, tags)
}

func (m *CloudWatchMetrics) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	m.add(name, float64(duration.Milliseconds()), types.StandardUnitMilliseconds, tags)
}

func (m *CloudWatchMetrics) add(name string, value float64, unit types.StandardUnit, tags map[string]string) {
	datum := types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(m.clock()),
		Dimensions: dimensions(tags),
	}
	m.mu.Lock()
	m.datums = append(m.datums, datum)
	m.mu.Unlock()
}

// Flush sends buffered datums. The buffer is cleared even on failure so a
// broken metrics sink never grows memory across invocations.
func (m *CloudWatchMetrics) Flush(ctx context.Context) error {
	m.mu.Lock()
	pending := m.datums
	m.datums = nil
	m.mu.Unlock()

	for start := 0; start < len(pending); start += maxDatumsPerCall {
		end := start + maxDatumsPerCall
		if end > len(pending) {
			end = len(pending)
		}
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: pending[start:end],
		})
		if err != nil {
			m.logger.Warn("Failed to publish metrics",
				zap.Int("datums", end-start),
				zap.Error(err),
			)
			return apperrors.FromAWS(err, "METRICS_PUBLISH_FAILED", "failed to publish metrics")
		}
	}
	return nil
}

var _ Metrics = (*CloudWatchMetrics)(nil)

func dimensions(tags map[string]string) []types.Dimension {
	if len(tags) == 0 {
		return nil
	}
	dims := make([]types.Dimension, 0, len(tags))
	for _, k := range labelNames(tags) {
		dims = append(dims, types.Dimension{Name: aws.String(k), Value: aws.String(tags[k])})
	}
	return dims
}
