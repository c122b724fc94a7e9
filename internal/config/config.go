// Package config loads the publisher's settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/fpang/social-publisher/internal/retry"
	"github.com/fpang/social-publisher/internal/tracing"
)

type Config struct {
	WorkDir            string `env:"MEDIA_WORK_DIR" envDefault:"/tmp/social-publisher"`
	EnforceConstraints bool   `env:"ENFORCE_MEDIA_CONSTRAINTS" envDefault:"false"`
	FFprobePath        string `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	FFmpegPath         string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	// ProjectsFile and SecretsFile replace DynamoDB and SSM for local runs.
	ProjectsFile string `env:"PROJECTS_FILE"`
	SecretsFile  string `env:"SECRETS_FILE"`

	// DatabaseURL selects the Postgres trace sink.
	DatabaseURL string `env:"DATABASE_URL"`

	Queue  Queue
	Vendor Vendor `envPrefix:"VENDOR_"`
	Trace  Trace  `envPrefix:"TRACE_"`
	AWS    AWS
}

type Queue struct {
	// RedisURL selects the Redis broker; empty runs in memory.
	RedisURL    string        `env:"REDIS_URL"`
	Prefix      string        `env:"QUEUE_PREFIX" envDefault:"publisher"`
	Concurrency int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	Attempts    int           `env:"JOB_ATTEMPTS" envDefault:"3"`
	Backoff     time.Duration `env:"JOB_BACKOFF" envDefault:"1s"`
	Retention   int64         `env:"JOB_RETENTION" envDefault:"1000"`
	JobTimeout  time.Duration `env:"JOB_TIMEOUT" envDefault:"15m"`
	PrepTimeout time.Duration `env:"PREP_TIMEOUT" envDefault:"10m"`
}

type Vendor struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RetryBase   time.Duration `env:"RETRY_BASE" envDefault:"1s"`
	RetryMax    time.Duration `env:"RETRY_MAX" envDefault:"30s"`
	Jitter      float64       `env:"RETRY_JITTER" envDefault:"0.3"`
	// RetryBudget caps vendor retries across every delivery of a job.
	RetryBudget time.Duration `env:"RETRY_BUDGET" envDefault:"10m"`
}

// Policy returns the vendor retry policy.
func (v Vendor) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  v.MaxAttempts,
		BaseDelay:    v.RetryBase,
		MaxDelay:     v.RetryMax,
		JitterFactor: v.Jitter,
	}
}

type Trace struct {
	BatchMax      int           `env:"BATCH_MAX" envDefault:"100"`
	BatchInterval time.Duration `env:"BATCH_INTERVAL" envDefault:"1s"`
	MaxInflight   int           `env:"MAX_INFLIGHT" envDefault:"3"`
	PostTimeout   time.Duration `env:"POST_TIMEOUT" envDefault:"5s"`
	QueueCap      int           `env:"QUEUE_CAP" envDefault:"100000"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	MaxBackoff    time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
	IngestURL     string        `env:"INGEST_URL"`

	DataAPIClusterARN string `env:"DATA_API_CLUSTER_ARN"`
	DataAPISecretARN  string `env:"DATA_API_SECRET_ARN"`
	DataAPIDatabase   string `env:"DATA_API_DATABASE"`
}

// Ingestor returns the ingestor tuning.
func (t Trace) Ingestor() tracing.IngestorConfig {
	return tracing.IngestorConfig{
		BatchMax:     t.BatchMax,
		Interval:     t.BatchInterval,
		MaxInflight:  t.MaxInflight,
		WriteTimeout: t.PostTimeout,
		QueueCap:     t.QueueCap,
		MaxAttempts:  t.MaxAttempts,
		MaxBackoff:   t.MaxBackoff,
	}
}

// TraceSink names the trace sink the settings select: postgres, dataapi,
// http or log, in that order of preference.
func (c Config) TraceSink() string {
	t := c.Trace
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case t.DataAPIClusterARN != "" && t.DataAPISecretARN != "":
		return "dataapi"
	case t.IngestURL != "":
		return "http"
	default:
		return "log"
	}
}

type AWS struct {
	MediaBucket     string        `env:"MEDIA_BUCKET_NAME"`
	DynamoTable     string        `env:"DYNAMO_TABLE_NAME"`
	SSMSecretPrefix string        `env:"SSM_SECRET_PREFIX" envDefault:"/social-publisher/prod/secrets"`
	SecretCacheTTL  time.Duration `env:"SSM_SECRET_CACHE_TTL" envDefault:"5m"`
	EventBus        string        `env:"EVENT_BUS_NAME"`
}

// NeedsAWS reports whether any setting requires AWS clients.
func (c Config) NeedsAWS() bool {
	return c.AWS.MediaBucket != "" || c.AWS.DynamoTable != "" || c.AWS.EventBus != "" ||
		c.SecretsFile == "" || c.TraceSink() == "dataapi"
}

// Load parses the environment.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Queue.Concurrency < 1:
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Queue.Concurrency)
	case c.Queue.Attempts < 1:
		return fmt.Errorf("JOB_ATTEMPTS must be at least 1, got %d", c.Queue.Attempts)
	case c.Vendor.MaxAttempts < 1:
		return fmt.Errorf("VENDOR_MAX_ATTEMPTS must be at least 1, got %d", c.Vendor.MaxAttempts)
	case c.Vendor.Jitter < 0 || c.Vendor.Jitter > 1:
		return fmt.Errorf("VENDOR_RETRY_JITTER must be within [0, 1], got %g", c.Vendor.Jitter)
	case c.Trace.DataAPIClusterARN != "" && c.Trace.DataAPIDatabase == "" && c.DatabaseURL == "":
		return fmt.Errorf("TRACE_DATA_API_DATABASE is required with TRACE_DATA_API_CLUSTER_ARN")
	}
	return nil
}
