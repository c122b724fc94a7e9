package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/fpang/social-publisher/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Handler processes one delivery. A nil return acknowledges it; an error
// retries it with backoff unless the error is Permanent or the delivery was
// the final attempt.
type Handler func(ctx context.Context, d Delivery) error

// PoolConfig tunes one worker pool.
type PoolConfig struct {
	Queue       Name
	Consumer    string
	Concurrency int
	MaxAttempts int
	// Backoff is the first retry delay; later retries double it.
	Backoff    time.Duration
	JobTimeout time.Duration
	// Block is how long one read waits for new work.
	Block time.Duration
	// ReclaimInterval is how often stale deliveries are reclaimed. Zero
	// disables reclaiming.
	ReclaimInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 15 * time.Minute
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.Consumer == "" {
		c.Consumer = "worker"
	}
	return c
}

// Pool consumes one queue with bounded concurrency.
type Pool struct {
	broker  Broker
	cfg     PoolConfig
	handler Handler
	sem     *semaphore.Weighted
}

func NewPool(broker Broker, cfg PoolConfig, handler Handler) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		broker:  broker,
		cfg:     cfg,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().
		Str("queue", string(p.cfg.Queue)).
		Str("consumer", p.cfg.Consumer).
		Int("concurrency", p.cfg.Concurrency).
		Int("maxAttempts", p.cfg.MaxAttempts).
		Msg("Worker pool started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	if r, ok := p.broker.(Reclaimer); ok && p.cfg.ReclaimInterval > 0 {
		g.Go(func() error { return p.reclaimLoop(gctx, r) })
	}
	err := g.Wait()

	// Wait for in-flight jobs; they run on a context detached from ctx so a
	// shutdown does not cut a vendor upload short.
	_ = p.sem.Acquire(context.Background(), int64(p.cfg.Concurrency))
	p.sem.Release(int64(p.cfg.Concurrency))
	log.Info().Str("queue", string(p.cfg.Queue)).Msg("Worker pool stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) readLoop(ctx context.Context) error {
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		deliveries, err := p.broker.Read(ctx, p.cfg.Queue, p.cfg.Consumer, 1, p.cfg.Block)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return nil
			}
			log.Error().Err(err).Str("queue", string(p.cfg.Queue)).Msg("Queue read failed")
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(deliveries) == 0 {
			p.sem.Release(1)
			continue
		}
		for i, d := range deliveries {
			if i > 0 {
				if err := p.sem.Acquire(ctx, 1); err != nil {
					return err
				}
			}
			go func() {
				defer p.sem.Release(1)
				p.Process(context.WithoutCancel(ctx), d)
			}()
		}
	}
}

func (p *Pool) reclaimLoop(ctx context.Context, r Reclaimer) error {
	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !p.sem.TryAcquire(1) {
			continue
		}
		deliveries, err := r.Reclaim(ctx, p.cfg.Queue, p.cfg.Consumer, p.cfg.JobTimeout, 1)
		if err != nil || len(deliveries) == 0 {
			p.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("queue", string(p.cfg.Queue)).Msg("Reclaim failed")
			}
			continue
		}
		d := deliveries[0]
		go func() {
			defer p.sem.Release(1)
			p.Process(context.WithoutCancel(ctx), d)
		}()
	}
}

// Process runs the handler for one delivery and settles it with the broker.
func (p *Pool) Process(ctx context.Context, d Delivery) {
	d.MaxAttempts = p.cfg.MaxAttempts
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	err := p.safeHandle(ctx, d)
	cancel()

	logger := log.With().
		Str("queue", string(d.Queue)).
		Str("messageId", d.ID).
		Int("attempt", d.Attempt).
		Logger()

	// Settling uses a fresh context: the job context may have timed out.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer settleCancel()

	var outcome string
	var settleErr error
	switch {
	case err == nil:
		outcome = "completed"
		settleErr = p.broker.Ack(settleCtx, d)
		logger.Info().Dur("duration", time.Since(start)).Msg("Job completed")
	case IsPermanent(err) || d.Final():
		outcome = "failed"
		settleErr = p.broker.Fail(settleCtx, d, err)
		logger.Error().Err(err).Bool("permanent", IsPermanent(err)).Msg("Job failed")
	default:
		outcome = "retried"
		delay := p.backoff(d.Attempt)
		settleErr = p.broker.Retry(settleCtx, d, delay, err)
		logger.Warn().Err(err).Dur("retryIn", delay).Msg("Job failed, will retry")
	}
	if settleErr != nil {
		logger.Error().Err(settleErr).Str("outcome", outcome).Msg("Failed to settle job")
	}

	metrics.New(metrics.Namespace).
		Dimension("Queue", string(d.Queue)).
		Dimension("Outcome", outcome).
		Count("Jobs").
		Duration("JobMs", time.Since(start)).
		Flush()
}

func (p *Pool) safeHandle(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("queue", string(d.Queue)).
				Str("messageId", d.ID).
				Bytes("stack", debug.Stack()).
				Msg("Panic recovered in job handler")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler(ctx, d)
}

// backoff returns Backoff * 2^(attempt-1).
func (p *Pool) backoff(attempt int) time.Duration {
	return time.Duration(float64(p.cfg.Backoff) * math.Pow(2, float64(max(attempt, 1)-1)))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
