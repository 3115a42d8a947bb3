package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader applies configuration sources in priority order:
//  1. Default values (in code)
//  2. YAML file, when a path is set
//  3. Environment variables (highest priority)
type Loader struct {
	path    string
	lookup  func(string) (string, bool)
	sources []string
}

// NewLoader creates a loader reading the given YAML file (may be empty) and
// the process environment.
func NewLoader(path string) *Loader {
	return &Loader{path: path, lookup: os.LookupEnv}
}

// WithLookup replaces the environment lookup, used by tests.
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	l.lookup = lookup
	return l
}

// Path returns the YAML file this loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.sources = l.sources[:0]
	cfg := Default()
	l.sources = append(l.sources, "defaults")

	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, err
		}
		l.sources = append(l.sources, l.path)
	}

	if err := l.loadEnvironment(cfg); err != nil {
		return nil, err
	}
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = append([]string(nil), l.sources...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads CONFIG_FILE (if set) and the environment.
func Load() (*Config, error) {
	return NewLoader(os.Getenv("CONFIG_FILE")).Load()
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}
	return nil
}

func (l *Loader) loadEnvironment(cfg *Config) error {
	for _, b := range bindings {
		value, ok := l.lookup(b.name)
		if !ok || value == "" {
			continue
		}
		if err := b.set(cfg, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", b.name, err)
		}
	}
	return nil
}

// binding maps one environment variable onto a Config field.
type binding struct {
	name string
	get  func(*Config) string
	set  func(*Config, string) error
}

func str(name string, field func(*Config) *string) binding {
	return binding{
		name: name,
		get:  func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

func integer(name string, field func(*Config) *int) binding {
	return binding{
		name: name,
		get:  func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*field(c) = n
			return nil
		},
	}
}

func boolean(name string, field func(*Config) *bool) binding {
	return binding{
		name: name,
		get:  func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*field(c) = b
			return nil
		},
	}
}

// duration accepts Go duration strings ("1.5s") or whole seconds ("20").
func duration(name string, field func(*Config) *time.Duration) binding {
	return binding{
		name: name,
		get:  func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := parseDuration(v)
			if err != nil {
				return err
			}
			*field(c) = d
			return nil
		},
	}
}

func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

var bindings = []binding{
	{
		name: "ENVIRONMENT",
		get:  func(c *Config) string { return string(c.Environment) },
		set: func(c *Config, v string) error {
			c.Environment = Environment(strings.ToLower(v))
			return nil
		},
	},
	str("LOG_LEVEL", func(c *Config) *string { return &c.Logging.Level }),
	str("LOG_FORMAT", func(c *Config) *string { return &c.Logging.Format }),

	str("AWS_REGION", func(c *Config) *string { return &c.AWS.Region }),
	boolean("TRACING_XRAY", func(c *Config) *bool { return &c.AWS.XRay }),
	integer("AWS_MAX_RETRIES", func(c *Config) *int { return &c.AWS.MaxRetries }),

	str("TASK_QUEUE_URL", func(c *Config) *string { return &c.Queues.TaskQueueURL }),
	str("TASK_DONE_QUEUE_URL", func(c *Config) *string { return &c.Queues.TaskDoneQueueURL }),
	str("ALL_TASKS_DONE_QUEUE_URL", func(c *Config) *string { return &c.Queues.AllTasksDoneQueueURL }),
	str("DEAD_LETTER_QUEUE_URL", func(c *Config) *string { return &c.Queues.DeadLetterQueueURL }),
	str("ITEM_QUEUE_URL", func(c *Config) *string { return &c.Queues.ItemQueueURL }),

	str("TRACKER_BACKEND", func(c *Config) *string { return &c.Tracker.Backend }),
	str("TRACKER_TABLE_NAME", func(c *Config) *string { return &c.Tracker.TableName }),
	str("TRACKER_BUCKET_NAME", func(c *Config) *string { return &c.Tracker.BucketName }),
	str("TRACKER_KEY_PREFIX", func(c *Config) *string { return &c.Tracker.KeyPrefix }),
	duration("CLAIM_LEASE", func(c *Config) *time.Duration { return &c.Tracker.ClaimLease }),
	integer("MAX_CAS_RETRIES", func(c *Config) *int { return &c.Tracker.MaxCASRetries }),
	duration("TRACKER_RECORD_TTL", func(c *Config) *time.Duration { return &c.Tracker.RecordTTL }),
	boolean("PARTIAL_BATCH_RESPONSE", func(c *Config) *bool { return &c.Tracker.PartialBatchResponse }),

	integer("DEFAULT_BATCH_SIZE", func(c *Config) *int { return &c.Generator.DefaultBatchSize }),
	integer("MAX_BATCH_SIZE", func(c *Config) *int { return &c.Generator.MaxBatchSize }),
	integer("SEND_RETRIES", func(c *Config) *int { return &c.Generator.SendRetries }),

	duration("WORK_MIN_DELAY", func(c *Config) *time.Duration { return &c.Worker.MinDelay }),
	duration("WORK_MAX_DELAY", func(c *Config) *time.Duration { return &c.Worker.MaxDelay }),

	str("EVENT_BUS_NAME", func(c *Config) *string { return &c.Events.EventBusName }),
	str("SOURCE", func(c *Config) *string { return &c.Events.Source }),

	str("ITEM_BUCKET_NAME", func(c *Config) *string { return &c.Items.BucketName }),
	integer("ITEM_RATE_LIMIT", func(c *Config) *int { return &c.Items.RateLimit }),
	integer("ITEM_DELAY_SECONDS", func(c *Config) *int { return &c.Items.DelaySeconds }),

	str("CONNECTIONS_TABLE_NAME", func(c *Config) *string { return &c.Notify.ConnectionsTableName }),
	str("WEBSOCKET_ENDPOINT", func(c *Config) *string { return &c.Notify.WebSocketEndpoint }),
	duration("CONNECTION_TTL", func(c *Config) *time.Duration { return &c.Notify.ConnectionTTL }),
	duration("PROCESS_MIN_DELAY", func(c *Config) *time.Duration { return &c.Notify.ProcessMinDelay }),
	duration("PROCESS_MAX_DELAY", func(c *Config) *time.Duration { return &c.Notify.ProcessMaxDelay }),

	str("BUCKET_NAME", func(c *Config) *string { return &c.Records.BucketName }),
	str("FIREHOSE_NAME", func(c *Config) *string { return &c.Records.FirehoseName }),
	integer("RECORD_COUNT", func(c *Config) *int { return &c.Records.DefaultCount }),

	str("DATABASE_NAME", func(c *Config) *string { return &c.Athena.DatabaseName }),
	str("WORKGROUP_NAME", func(c *Config) *string { return &c.Athena.WorkgroupName }),
	str("CATALOG_NAME", func(c *Config) *string { return &c.Athena.CatalogName }),
	{
		name: "RESULT_REUSE_MINUTES",
		get:  func(c *Config) string { return strconv.Itoa(int(c.Athena.ResultReuseMinutes)) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return err
			}
			c.Athena.ResultReuseMinutes = int32(n)
			return nil
		},
	},
	duration("QUERY_POLL_INTERVAL", func(c *Config) *time.Duration { return &c.Athena.PollInterval }),

	str("HTTP_ADDR", func(c *Config) *string { return &c.HTTP.Addr }),
	{
		name: "HTTP_ALLOWED_ORIGINS",
		get:  func(c *Config) string { return strings.Join(c.HTTP.AllowedOrigins, ",") },
		set: func(c *Config, v string) error {
			var origins []string
			for _, o := range strings.Split(v, ",") {
				if o = strings.TrimSpace(o); o != "" {
					origins = append(origins, o)
				}
			}
			c.HTTP.AllowedOrigins = origins
			return nil
		},
	},

	str("SERVICE_NAME", func(c *Config) *string { return &c.Observability.ServiceName }),
	str("METRICS_BACKEND", func(c *Config) *string { return &c.Observability.MetricsBackend }),
	str("METRICS_NAMESPACE", func(c *Config) *string { return &c.Observability.MetricsNamespace }),
	str("METRICS_ADDR", func(c *Config) *string { return &c.Observability.MetricsAddr }),
	boolean("TRACING_ENABLED", func(c *Config) *bool { return &c.Observability.TracingEnabled }),
	str("OTEL_EXPORTER_OTLP_ENDPOINT", func(c *Config) *string { return &c.Observability.OTLPEndpoint }),
}

var bindingsByName = func() map[string]binding {
	m := make(map[string]binding, len(bindings))
	for _, b := range bindings {
		m[b.name] = b
	}
	return m
}()
