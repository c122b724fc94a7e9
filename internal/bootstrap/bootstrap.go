// Package bootstrap builds the publisher's collaborators from config.
//
// Every entry point needs some subset of: AWS clients, project and secret
// stores, the trace pipeline, the job broker and the orchestrator. Build
// composes them once so each main is a short call plus startup logging.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/config"
	"github.com/fpang/social-publisher/internal/fetch"
	"github.com/fpang/social-publisher/internal/intake"
	"github.com/fpang/social-publisher/internal/logging"
	"github.com/fpang/social-publisher/internal/media"
	"github.com/fpang/social-publisher/internal/notify"
	"github.com/fpang/social-publisher/internal/orchestrator"
	"github.com/fpang/social-publisher/internal/platform"
	"github.com/fpang/social-publisher/internal/queue"
	"github.com/fpang/social-publisher/internal/s3util"
	"github.com/fpang/social-publisher/internal/secrets"
	"github.com/fpang/social-publisher/internal/store"
	"github.com/fpang/social-publisher/internal/tracing"
)

// stagedURLExpiry is how long a presigned staged-media URL stays valid.
const stagedURLExpiry = time.Hour

// App holds every collaborator of a publisher process.
type App struct {
	Config       config.Config
	Tracer       *tracing.Tracer
	Ingestor     *tracing.Ingestor
	Broker       queue.Broker
	Rollup       queue.Rollup
	Projects     store.ProjectStore
	Idempotency  store.IdempotencyStore
	Secrets      secrets.Store
	Engine       *media.Engine
	Registry     *platform.Registry
	Orchestrator *orchestrator.Orchestrator
	Intake       *intake.Service

	startup *logging.StartupLogger
	closers []func(context.Context) error
}

// awsClients are created lazily so local runs never touch AWS credentials.
type awsClients struct {
	cfg aws.Config
	s3  *s3.Client
}

// Build wires an App for the process called name. The returned App's
// startup logger has its resources filled in; callers add their own
// entries and call StartupLog.
func Build(ctx context.Context, cfg config.Config, name string) (*App, error) {
	start := time.Now()
	app := &App{Config: cfg, startup: logging.NewStartupLogger(name)}

	var clients *awsClients
	if cfg.NeedsAWS() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		log.Debug().Str("region", awsCfg.Region).Msg("AWS config loaded")
		clients = &awsClients{cfg: awsCfg, s3: s3.NewFromConfig(awsCfg)}
	}

	if err := app.initStores(cfg, clients); err != nil {
		return nil, err
	}
	if err := app.initTracing(ctx, cfg, clients); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.initQueue(ctx, cfg); err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.Engine = media.NewEngine(media.NewToolInspector(cfg.FFprobePath), media.NewToolTranscoder(cfg.FFmpegPath))

	var stager platform.Stager
	var s3Getter s3util.GetObjectAPI
	if clients != nil {
		s3Getter = clients.s3
		if cfg.AWS.MediaBucket != "" {
			stager = s3util.NewStager(clients.s3, s3.NewPresignClient(clients.s3), cfg.AWS.MediaBucket, stagedURLExpiry)
			app.startup.S3Bucket("media", cfg.AWS.MediaBucket)
		}
	}
	policy := cfg.Vendor.Policy()
	app.Registry = platform.NewRegistry(
		platform.NewInstagram(stager, policy),
		platform.NewYouTube(policy),
	)

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.AWS.EventBus != "" && clients != nil {
		notifier = notify.NewEventBridgeNotifier(eventbridge.NewFromConfig(clients.cfg), cfg.AWS.EventBus)
		app.startup.Config("eventBus", cfg.AWS.EventBus)
	}

	app.Orchestrator = orchestrator.New(orchestrator.Deps{
		Tracer:   app.Tracer,
		Broker:   app.Broker,
		Rollup:   app.Rollup,
		Projects: app.Projects,
		Secrets:  app.Secrets,
		Registry: app.Registry,
		Fetcher:  fetch.NewDownloader(cfg.WorkDir, nil, s3Getter),
		Engine:   app.Engine,
		Catalog:  media.DefaultCatalog(),
		Notifier: notifier,
	}, orchestrator.Config{
		MaxAttempts:        cfg.Queue.Attempts,
		PrepTimeout:        cfg.Queue.PrepTimeout,
		RetryBudget:        cfg.Vendor.RetryBudget,
		EnforceConstraints: cfg.EnforceConstraints,
	})
	app.Intake = intake.NewService(app.Tracer, app.Broker, app.Projects, app.Idempotency)

	app.startup.
		Feature("enforceConstraints", cfg.EnforceConstraints).
		Feature("staging", stager != nil).
		Config("workDir", cfg.WorkDir).
		Config("traceSink", cfg.TraceSink()).
		Config("platforms", fmt.Sprint(app.Registry.Names())).
		InitDuration(time.Since(start))
	return app, nil
}

func (a *App) initStores(cfg config.Config, clients *awsClients) error {
	switch {
	case cfg.ProjectsFile != "":
		ms, err := store.LoadFile(cfg.ProjectsFile)
		if err != nil {
			return err
		}
		a.Projects, a.Idempotency = ms, ms
		a.startup.Config("projectsFile", cfg.ProjectsFile)
	case cfg.AWS.DynamoTable != "" && clients != nil:
		ds := store.NewDynamoStore(dynamodb.NewFromConfig(clients.cfg), cfg.AWS.DynamoTable)
		a.Projects, a.Idempotency = ds, ds
		a.startup.DynamoTable("projects", cfg.AWS.DynamoTable)
	default:
		return fmt.Errorf("PROJECTS_FILE or DYNAMO_TABLE_NAME is required")
	}

	switch {
	case cfg.SecretsFile != "":
		ss, err := secrets.LoadFile(cfg.SecretsFile)
		if err != nil {
			return err
		}
		a.Secrets = ss
		a.startup.Config("secretsFile", cfg.SecretsFile)
	case clients != nil:
		a.Secrets = secrets.NewSSMStore(ssm.NewFromConfig(clients.cfg), cfg.AWS.SSMSecretPrefix, cfg.AWS.SecretCacheTTL)
		a.startup.SSMParam("secretPrefix", cfg.AWS.SSMSecretPrefix)
	default:
		return fmt.Errorf("SECRETS_FILE or AWS credentials are required")
	}
	return nil
}

func (a *App) initTracing(ctx context.Context, cfg config.Config, clients *awsClients) error {
	var sink tracing.Sink
	switch cfg.TraceSink() {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect trace database: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		sink = tracing.NewPostgresSink(pool)
		a.startup.Endpoint("postgres", redactURL(cfg.DatabaseURL))
	case "dataapi":
		if clients == nil {
			return fmt.Errorf("data API trace sink needs AWS credentials")
		}
		sink = tracing.NewDataAPISink(rdsdata.NewFromConfig(clients.cfg), cfg.Trace.DataAPIClusterARN, cfg.Trace.DataAPISecretARN, cfg.Trace.DataAPIDatabase)
		a.startup.Config("traceDatabase", cfg.Trace.DataAPIDatabase)
	case "http":
		sink = tracing.NewHTTPSink(cfg.Trace.IngestURL, &http.Client{Timeout: cfg.Trace.PostTimeout})
		a.startup.Endpoint("traceIngest", redactURL(cfg.Trace.IngestURL))
	default:
		sink = tracing.LogSink{}
	}

	a.Ingestor = tracing.NewIngestor(sink, cfg.Trace.Ingestor())
	a.Tracer = tracing.NewTracer(a.Ingestor)
	// The ingestor flushes before the sink's connections close.
	a.closers = append([]func(context.Context) error{a.Ingestor.Close}, a.closers...)
	return nil
}

func (a *App) initQueue(ctx context.Context, cfg config.Config) error {
	brokerCfg := queue.BrokerConfig{Prefix: cfg.Queue.Prefix, Retention: cfg.Queue.Retention}
	if cfg.Queue.RedisURL == "" {
		a.Broker = queue.NewMemoryBroker(brokerCfg)
		a.Rollup = queue.NewMemoryRollup()
		a.startup.Config("broker", "memory")
	} else {
		opts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
		a.Broker = queue.NewRedisBroker(client, brokerCfg)
		a.Rollup = queue.NewRedisRollup(client, cfg.Queue.Prefix)
		a.startup.Endpoint("redis", opts.Addr)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.Broker.Close() })
	for _, q := range []queue.Name{queue.QueueMaster, queue.QueuePublish, queue.QueuePrep} {
		a.startup.Queue(string(q), cfg.Queue.Prefix+":"+string(q))
	}
	return nil
}

// PoolConfig returns the worker pool settings for consumer.
func (a *App) PoolConfig(consumer string) queue.PoolConfig {
	q := a.Config.Queue
	return queue.PoolConfig{
		Consumer:        consumer,
		Concurrency:     q.Concurrency,
		MaxAttempts:     q.Attempts,
		Backoff:         q.Backoff,
		JobTimeout:      q.JobTimeout,
		ReclaimInterval: q.JobTimeout,
	}
}

// StartupLogger returns the process's startup logger for extra entries.
func (a *App) StartupLogger() *logging.StartupLogger {
	return a.startup
}

// Close flushes pending trace records and releases connections.
func (a *App) Close(ctx context.Context) error {
	var first error
	for _, c := range a.closers {
		if err := c(ctx); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// redactURL drops credentials from a connection URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
