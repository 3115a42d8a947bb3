// Package config holds the runtime configuration shared by every handler
// binary. Values are layered: built-in defaults, then an optional YAML file
// named by CONFIG_FILE, then environment variables.
package config

import (
	"fmt"
	"time"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/validation"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Tracker store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendS3       = "s3"
	BackendMemory   = "memory"
)

// Metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsCloudWatch = "cloudwatch"
	MetricsNone       = "none"
)

type Config struct {
	Environment   Environment   `yaml:"environment" validate:"oneof=development staging production"`
	Logging       Logging       `yaml:"logging"`
	AWS           AWS           `yaml:"aws"`
	Queues        Queues        `yaml:"queues"`
	Tracker       Tracker       `yaml:"tracker"`
	Generator     Generator     `yaml:"generator"`
	Worker        Worker        `yaml:"worker"`
	Events        Events        `yaml:"events"`
	Items         Items         `yaml:"items"`
	Notify        Notify        `yaml:"notify"`
	Records       Records       `yaml:"records"`
	Athena        Athena        `yaml:"athena"`
	HTTP          HTTP          `yaml:"http"`
	Observability Observability `yaml:"observability"`

	// LoadedFrom lists the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-"`
}

type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type AWS struct {
	Region     string `yaml:"region"`
	XRay       bool   `yaml:"xray"`
	MaxRetries int    `yaml:"max_retries" validate:"min=0,max=20"`
}

type Queues struct {
	TaskQueueURL         string `yaml:"task_queue_url"`
	TaskDoneQueueURL     string `yaml:"task_done_queue_url"`
	AllTasksDoneQueueURL string `yaml:"all_tasks_done_queue_url"`
	DeadLetterQueueURL   string `yaml:"dead_letter_queue_url"`
	ItemQueueURL         string `yaml:"item_queue_url"`
}

type Tracker struct {
	Backend              string        `yaml:"backend" validate:"oneof=dynamodb s3 memory"`
	TableName            string        `yaml:"table_name"`
	BucketName           string        `yaml:"bucket_name"`
	KeyPrefix            string        `yaml:"key_prefix"`
	ClaimLease           time.Duration `yaml:"claim_lease" validate:"gt=0"`
	MaxCASRetries        int           `yaml:"max_cas_retries" validate:"min=1"`
	RecordTTL            time.Duration `yaml:"record_ttl" validate:"gte=0"`
	PartialBatchResponse bool          `yaml:"partial_batch_response"`
}

type Generator struct {
	DefaultBatchSize int `yaml:"default_batch_size" validate:"min=1"`
	MaxBatchSize     int `yaml:"max_batch_size" validate:"min=1"`
	SendRetries      int `yaml:"send_retries" validate:"min=0"`
}

type Worker struct {
	MinDelay time.Duration `yaml:"min_delay" validate:"gte=0"`
	MaxDelay time.Duration `yaml:"max_delay" validate:"gte=0"`
}

type Events struct {
	EventBusName string `yaml:"event_bus_name"`
	Source       string `yaml:"source"`
}

type Items struct {
	BucketName   string `yaml:"bucket_name"`
	RateLimit    int    `yaml:"rate_limit" validate:"min=1"`
	DelaySeconds int    `yaml:"delay_seconds" validate:"min=0,max=900"`
}

type Notify struct {
	ConnectionsTableName string        `yaml:"connections_table_name"`
	WebSocketEndpoint    string        `yaml:"websocket_endpoint"`
	ConnectionTTL        time.Duration `yaml:"connection_ttl" validate:"gte=0"`
	ProcessMinDelay      time.Duration `yaml:"process_min_delay" validate:"gte=0"`
	ProcessMaxDelay      time.Duration `yaml:"process_max_delay" validate:"gte=0"`
}

type Records struct {
	BucketName   string `yaml:"bucket_name"`
	FirehoseName string `yaml:"firehose_name"`
	DefaultCount int    `yaml:"default_count" validate:"min=1"`
}

type Athena struct {
	DatabaseName       string        `yaml:"database_name"`
	WorkgroupName      string        `yaml:"workgroup_name"`
	CatalogName        string        `yaml:"catalog_name"`
	ResultReuseMinutes int32         `yaml:"result_reuse_minutes" validate:"min=0"`
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

type HTTP struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Observability struct {
	ServiceName      string `yaml:"service_name"`
	MetricsBackend   string `yaml:"metrics_backend" validate:"oneof=prometheus cloudwatch none"`
	MetricsNamespace string `yaml:"metrics_namespace"`
	MetricsAddr      string `yaml:"metrics_addr"`
	TracingEnabled   bool   `yaml:"tracing_enabled"`
	OTLPEndpoint     string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Environment: Production,
		Logging:     Logging{Level: "info", Format: "json"},
		AWS:         AWS{MaxRetries: 3},
		Tracker: Tracker{
			Backend:              BackendDynamoDB,
			KeyPrefix:            "batches/",
			ClaimLease:           30 * time.Second,
			MaxCASRetries:        10,
			RecordTTL:            7 * 24 * time.Hour,
			PartialBatchResponse: true,
		},
		Generator: Generator{DefaultBatchSize: 2, MaxBatchSize: 10000, SendRetries: 3},
		Worker:    Worker{MinDelay: time.Second, MaxDelay: 20 * time.Second},
		Events:    Events{EventBusName: "default", Source: "public-writing"},
		Items:     Items{RateLimit: 100, DelaySeconds: 60},
		Notify: Notify{
			ConnectionTTL:   2 * time.Hour,
			ProcessMinDelay: 5 * time.Second,
			ProcessMaxDelay: 10 * time.Second,
		},
		Records: Records{DefaultCount: 1000},
		Athena: Athena{
			CatalogName:  "AwsDataCatalog",
			PollInterval: 100 * time.Millisecond,
		},
		HTTP: HTTP{Addr: ":8080", AllowedOrigins: []string{"*"}},
		Observability: Observability{
			ServiceName:      "public-writing",
			MetricsBackend:   MetricsNone,
			MetricsNamespace: "PublicWriting",
			MetricsAddr:      ":9090",
		},
	}
}

// Validate checks struct constraints and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validation.Struct(c, apperrors.CodeInvalidInput); err != nil {
		return apperrors.Wrap(err, "invalid configuration")
	}
	if c.Worker.MinDelay > c.Worker.MaxDelay {
		return apperrors.Validation(apperrors.CodeInvalidInput, "invalid configuration").
			WithDetails(fmt.Sprintf("WORK_MIN_DELAY %s exceeds WORK_MAX_DELAY %s", c.Worker.MinDelay, c.Worker.MaxDelay)).
			Build()
	}
	if c.Notify.ProcessMinDelay > c.Notify.ProcessMaxDelay {
		return apperrors.Validation(apperrors.CodeInvalidInput, "invalid configuration").
			WithDetails("PROCESS_MIN_DELAY exceeds PROCESS_MAX_DELAY").
			Build()
	}
	if c.Generator.DefaultBatchSize > c.Generator.MaxBatchSize {
		return apperrors.Validation(apperrors.CodeInvalidInput, "invalid configuration").
			WithDetails("DEFAULT_BATCH_SIZE exceeds MAX_BATCH_SIZE").
			Build()
	}
	return nil
}

// Require returns a validation error naming every listed environment
// variable whose configured value is empty. Each binary calls it with the
// settings it cannot run without.
func (c *Config) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		b, ok := bindingsByName[name]
		if !ok {
			missing = append(missing, name+" (unknown setting)")
			continue
		}
		if b.get(c) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return apperrors.Validation(apperrors.CodeInvalidInput, "missing required configuration").
		WithDetails(fmt.Sprint(missing)).
		Build()
}

// IsDevelopment reports whether the process runs locally.
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}
