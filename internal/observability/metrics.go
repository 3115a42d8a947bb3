// Package observability provides metrics recording and tracing setup.
package observability

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records counters and durations. Tags become Prometheus labels or
// CloudWatch dimensions.
type Metrics interface {
	IncrementCounter(name string, tags map[string]string)
	IncrementCounterBy(name string, value float64, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	// Flush ships buffered data points. Lambda handlers call it before returning.
	Flush(ctx context.Context) error
}

// Metric names shared across services.
const (
	MetricMessagesReceived   = "messages_received"
	MetricMessagesFailed     = "messages_failed"
	MetricMessagesPoisoned   = "messages_poisoned"
	MetricCompletionsTracked = "completions_tracked"
	MetricDuplicates         = "duplicate_completions"
	MetricBatchesSignaled    = "batches_signaled"
	MetricBatchesDispatched  = "batches_dispatched"
	MetricClaimContended     = "claim_contended"
	MetricTasksSent          = "tasks_sent"
	MetricSendRetries        = "send_retries"
	MetricItemsLoaded        = "items_loaded"
	MetricRecordsWritten     = "records_written"
	MetricNotificationsSent  = "notifications_sent"
	MetricQueryDuration      = "query_duration"
	MetricHandlerDuration    = "handler_duration"
)

// Collector is a Prometheus-backed Metrics with its own registry. Vectors
// are created on first use; a metric name must always be used with the same
// tag keys.
type Collector struct {
	namespace  string
	registry   *prometheus.Registry
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewCollector creates a collector registering into a fresh registry.
func NewCollector(namespace string) *Collector {
	return &Collector{
		namespace:  sanitize(namespace),
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// IncrementCounter increments a counter metric by 1.
func (c *Collector) IncrementCounter(name string, tags map[string]string) {
	c.IncrementCounterBy(name, 1, tags)
}

// IncrementCounterBy increments a counter metric by value.
func (c *Collector) IncrementCounterBy(name string, value float64, tags map[string]string) {
	keys := labelNames(tags)
	c.mu.Lock()
	vec, ok := c.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      sanitize(name) + "_total",
			Help:      "Total " + strings.ReplaceAll(name, "_", " "),
		}, keys)
		c.registry.MustRegister(vec)
		c.counters[name] = vec
	}
	c.mu.Unlock()
	vec.With(prometheus.Labels(tags)).Add(value)
}

// RecordDuration observes a duration in seconds.
func (c *Collector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	keys := labelNames(tags)
	c.mu.Lock()
	vec, ok := c.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Name:      sanitize(name) + "_seconds",
			Help:      "Duration of " + strings.ReplaceAll(name, "_", " "),
			Buckets:   prometheus.DefBuckets,
		}, keys)
		c.registry.MustRegister(vec)
		c.histograms[name] = vec
	}
	c.mu.Unlock()
	vec.With(prometheus.Labels(tags)).Observe(duration.Seconds())
}

// Flush is a no-op: Prometheus pulls.
func (c *Collector) Flush(context.Context) error { return nil }

// Registry returns the Prometheus registry for this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncrementCounter(string, map[string]string)              {}
func (Noop) IncrementCounterBy(string, float64, map[string]string)   {}
func (Noop) RecordDuration(string, time.Duration, map[string]string) {}
func (Noop) Flush(context.Context) error                             { return nil }

var (
	_ Metrics = (*Collector)(nil)
	_ Metrics = Noop{}
)

func labelNames(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
