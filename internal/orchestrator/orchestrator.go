// Package orchestrator runs the publish workflow on top of the job queues.
//
// The master downloads the source once, validates every configured platform
// and fans out one publish job per platform. Platform runners prepare the
// media through the media-prep queue, upload and publish it, and report
// their terminal outcome to a roll-up that ends the trace once every
// platform has finished.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fpang/social-publisher/internal/fetch"
	"github.com/fpang/social-publisher/internal/media"
	"github.com/fpang/social-publisher/internal/notify"
	"github.com/fpang/social-publisher/internal/platform"
	"github.com/fpang/social-publisher/internal/queue"
	"github.com/fpang/social-publisher/internal/secrets"
	"github.com/fpang/social-publisher/internal/store"
	"github.com/fpang/social-publisher/internal/tracing"
)

// Trace event names.
const (
	EventValidationStarted   = "platform.validation.started"
	EventValidationCompleted = "platform.validation.completed"
	EventValidationFailed    = "platform.validation.failed"
	EventValidationSkipped   = "platform.validation.skipped"
	EventPlatformStarted     = "platform.started"
	EventPrepStarted         = "prep.started"
	EventPrepDone            = "prep.done"
	EventPrepFailed          = "prep.failed"
	EventPrepSkipped         = "prep.skipped"
	EventUploadStarted       = "upload.started"
	EventUploadDone          = "upload.done"
	EventUploadFailed        = "upload.failed"
	EventUploadRetry         = "upload.retry"
	EventPublishStarted      = "publish.started"
	EventPublishDone         = "publish.done"
	EventPublishFailed       = "publish.failed"
	EventPlatformFinished    = "platform.finished"
	EventPublishCompleted    = "publish.completed"
)

// Fetcher downloads a job's source media.
type Fetcher interface {
	Fetch(ctx context.Context, traceID, source string) (*fetch.Result, error)
}

// Preparer makes a file meet platform requirements.
type Preparer interface {
	Prepare(ctx context.Context, req media.PrepRequest) (*media.PrepResult, error)
}

// Deps are the collaborators shared by the runners.
type Deps struct {
	Tracer   *tracing.Tracer
	Broker   queue.Broker
	Rollup   queue.Rollup
	Projects store.ProjectStore
	Secrets  secrets.Store
	Registry *platform.Registry
	Fetcher  Fetcher
	Engine   Preparer
	Catalog  *media.Catalog
	Notifier notify.Notifier
}

// Config tunes the runners.
type Config struct {
	// MaxAttempts is the queue's delivery limit, recorded on spans and used
	// to tell a final delivery apart.
	MaxAttempts int
	PrepTimeout time.Duration
	// RetryBudget bounds vendor retries across all deliveries of a platform.
	RetryBudget        time.Duration
	EnforceConstraints bool
	// ResultTTL is how long an unclaimed prep result is kept.
	ResultTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PrepTimeout <= 0 {
		c.PrepTimeout = 10 * time.Minute
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 10 * time.Minute
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
	return c
}

// Orchestrator bundles the three runners and their queue handlers.
type Orchestrator struct {
	Master   *Master
	Platform *PlatformRunner
	Prep     *PrepRunner
	deps     Deps
}

func New(deps Deps, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	if deps.Catalog == nil {
		deps.Catalog = media.DefaultCatalog()
	}
	return &Orchestrator{
		Master:   &Master{deps: deps, cfg: cfg, now: time.Now},
		Platform: &PlatformRunner{deps: deps, cfg: cfg},
		Prep:     &PrepRunner{deps: deps, cfg: cfg},
		deps:     deps,
	}
}

// Handler returns the queue handler for q.
func (o *Orchestrator) Handler(q queue.Name) (queue.Handler, error) {
	switch q {
	case queue.QueueMaster:
		return o.Master.Handle, nil
	case queue.QueuePublish:
		return o.Platform.Handle, nil
	case queue.QueuePrep:
		return o.Prep.Handle, nil
	}
	return nil, fmt.Errorf("no handler for queue %q", q)
}

// RunWorkers consumes every queue in queues with its own pool until ctx is
// cancelled. The media-prep queue always gets a dedicated pool so a busy
// publish pool cannot starve the prep jobs it waits on.
func (o *Orchestrator) RunWorkers(ctx context.Context, cfg queue.PoolConfig, queues ...queue.Name) error {
	if len(queues) == 0 {
		queues = []queue.Name{queue.QueueMaster, queue.QueuePublish, queue.QueuePrep}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		handler, err := o.Handler(q)
		if err != nil {
			return err
		}
		poolCfg := cfg
		poolCfg.Queue = q
		pool := queue.NewPool(o.deps.Broker, poolCfg, handler)
		g.Go(func() error { return pool.Run(gctx) })
	}
	return g.Wait()
}
