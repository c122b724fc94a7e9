package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/jobs"
	"github.com/fpang/social-publisher/internal/jobutil"
	"github.com/fpang/social-publisher/internal/metrics"
	"github.com/fpang/social-publisher/internal/notify"
	"github.com/fpang/social-publisher/internal/platform"
	"github.com/fpang/social-publisher/internal/queue"
	"github.com/fpang/social-publisher/internal/retry"
	"github.com/fpang/social-publisher/internal/secrets"
	"github.com/fpang/social-publisher/internal/store"
	"github.com/fpang/social-publisher/internal/tracing"
)

// PlatformRunner publishes one platform's share of a request.
type PlatformRunner struct {
	deps Deps
	cfg  Config
}

// Handle is the publish queue handler. A delivery that ends the platform's
// work, by success or by a failure that will not be retried, is reported to
// the roll-up.
func (p *PlatformRunner) Handle(ctx context.Context, d queue.Delivery) error {
	var job queue.PublishJob
	if err := d.Decode(&job); err != nil {
		return err
	}
	res, err := p.Run(ctx, job, d.Attempt)
	if err == nil || queue.IsPermanent(err) || d.Final() {
		// The job context may have expired; reporting must still happen.
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rerr := p.Report(reportCtx, job, d.Attempt, res, err); rerr != nil {
			log.Error().Err(rerr).Str("traceId", job.TraceID).Str("platform", job.Platform).Msg("Failed to report platform outcome")
		}
	}
	return err
}

// Run executes one delivery of a publish job: prep, upload and, for
// two-step platforms, publish. Every delivery gets a fresh platform span.
func (p *PlatformRunner) Run(ctx context.Context, job queue.PublishJob, attempt int) (res *platform.Result, err error) {
	tr := p.deps.Tracer.Resume(tracing.ResumeOptions{
		TraceID:   job.TraceID,
		ProjectID: job.ProjectID,
		StartedAt: job.TraceStartedAt,
	})
	span := tr.StartSpan(tracing.SpanOptions{
		Name:        "publish-" + job.Platform,
		Kind:        tracing.KindPlatform,
		ParentID:    job.MasterSpanID,
		Platform:    job.Platform,
		Attempt:     attempt,
		MaxAttempts: p.cfg.MaxAttempts,
	})
	defer span.EndIfRunning(tracing.SpanFailed)
	span.Event(tracing.LevelInfo, EventPlatformStarted, map[string]any{"platform": job.Platform, "attempt": attempt})

	start := time.Now()
	defer func() {
		outcome := "success"
		finished := map[string]any{"platform": job.Platform, "attempt": attempt}
		level := tracing.LevelInfo
		if err != nil {
			detail := jobutil.RecordFailure(span, "platform", err)
			outcome = string(outcomeFor(err))
			finished["error"] = detail
			level = tracing.LevelError
		} else {
			span.SetAttr("resourceId", res.ResourceID)
			span.SetAttr("url", res.URL)
			span.End(tracing.SpanSuccess, nil)
			finished["resourceId"] = res.ResourceID
			finished["url"] = res.URL
		}
		finished["outcome"] = outcome
		span.Event(level, EventPlatformFinished, finished)
		metrics.New(metrics.Namespace).
			Dimension("Platform", job.Platform).
			Dimension("Outcome", outcome).
			Count("PlatformJobs").
			Duration("PlatformJobMs", time.Since(start)).
			Flush()
	}()

	cfg, cred, adapter, err := p.load(ctx, job)
	if err != nil {
		return nil, err
	}

	filePath, converted, err := p.prep(ctx, tr, span, job, *cfg, adapter)
	if err != nil {
		return nil, err
	}

	post := platform.Post{
		TraceID:     job.TraceID,
		FilePath:    filePath,
		SourceURL:   job.SourceURL,
		Converted:   converted,
		Title:       job.Title,
		Description: job.Description,
		Tags:        job.Tags,
		Config:      *cfg,
	}
	up, err := p.upload(ctx, span, job, adapter, cred, post)
	if err != nil {
		return nil, err
	}

	if !adapter.TwoStep() {
		return adapter.Publish(ctx, cred, up)
	}
	return p.publish(ctx, span, job, adapter, cred, up)
}

func (p *PlatformRunner) load(ctx context.Context, job queue.PublishJob) (*store.PlatformConfig, json.RawMessage, platform.Adapter, error) {
	cfg, err := p.deps.Projects.GetPlatform(ctx, job.ProjectID, job.Platform)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil, queue.Permanent(err)
		}
		return nil, nil, nil, fmt.Errorf("load platform config: %w", err)
	}
	adapter, err := p.deps.Registry.Get(job.Platform)
	if err != nil {
		return nil, nil, nil, queue.Permanent(err)
	}
	cred, err := p.deps.Secrets.Get(ctx, job.ProjectID, job.Platform)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, nil, nil, queue.Permanent(err)
		}
		return nil, nil, nil, fmt.Errorf("load credential: %w", err)
	}
	return cfg, cred, adapter, nil
}

// prep hands the file to the media-prep pool and waits for its outcome,
// bounded by the prep timeout.
func (p *PlatformRunner) prep(ctx context.Context, tr *tracing.Trace, span *tracing.Span, job queue.PublishJob, cfg store.PlatformConfig, adapter platform.Adapter) (string, bool, error) {
	if cfg.SkipPrep {
		span.Event(tracing.LevelInfo, EventPrepSkipped, map[string]any{"filePath": job.FilePath})
		return job.FilePath, false, nil
	}
	uploadType, err := adapter.UploadType(cfg, job.FilePath)
	if err != nil {
		return "", false, queue.Permanent(err)
	}
	enforce := job.EnforceConstraints
	if cfg.EnforceConstraints != nil {
		enforce = *cfg.EnforceConstraints
	}
	prepJob := queue.PrepJob{
		ID:                 jobs.GenerateID("prep-"),
		TraceID:            job.TraceID,
		ParentSpanID:       span.ID(),
		Platform:           job.Platform,
		UploadType:         string(uploadType),
		FilePath:           job.FilePath,
		EnforceConstraints: enforce,
	}
	span.Event(tracing.LevelInfo, EventPrepStarted, map[string]any{"prepJobId": prepJob.ID, "uploadType": uploadType, "enforceConstraints": enforce})

	// The prep span is parented on this platform span from another process.
	if err := p.deps.Tracer.Sync(ctx); err != nil {
		log.Warn().Err(err).Str("traceId", tr.ID()).Msg("Failed to flush trace before prep")
	}
	if _, err := p.deps.Broker.Enqueue(ctx, queue.QueuePrep, prepJob); err != nil {
		span.Event(tracing.LevelError, EventPrepFailed, map[string]any{"error": err.Error()})
		return "", false, fmt.Errorf("enqueue prep job: %w", err)
	}

	var outcome queue.PrepOutcome
	if err := p.deps.Broker.AwaitResult(ctx, prepJob.ID, p.cfg.PrepTimeout, &outcome); err != nil {
		span.Event(tracing.LevelError, EventPrepFailed, map[string]any{"error": err.Error(), "timeoutMs": p.cfg.PrepTimeout.Milliseconds()})
		return "", false, fmt.Errorf("await prep %s: %w", prepJob.ID, err)
	}
	if err := outcome.Err(); err != nil {
		span.Event(tracing.LevelError, EventPrepFailed, map[string]any{"error": outcome.Error, "issues": outcome.Issues})
		return "", false, err
	}
	span.Event(tracing.LevelInfo, EventPrepDone, map[string]any{"filePath": outcome.FilePath, "converted": outcome.Converted})
	return outcome.FilePath, outcome.Converted, nil
}

func (p *PlatformRunner) upload(ctx context.Context, span *tracing.Span, job queue.PublishJob, adapter platform.Adapter, cred json.RawMessage, post platform.Post) (*platform.Upload, error) {
	span.Event(tracing.LevelInfo, EventUploadStarted, map[string]any{"filePath": post.FilePath})
	policy := p.policy(span, job, adapter, EventUploadRetry)

	var up *platform.Upload
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		var err error
		up, err = adapter.Upload(ctx, cred, post)
		return err
	})
	recordVendorCall(job.Platform, "Upload", attempts, err)
	if err != nil {
		span.Event(tracing.LevelError, EventUploadFailed, map[string]any{"attempts": attempts, "error": err.Error()})
		return nil, vendorError(err)
	}
	span.Event(tracing.LevelInfo, EventUploadDone, map[string]any{"attempts": attempts, "uploadId": up.ID})
	return up, nil
}

func (p *PlatformRunner) publish(ctx context.Context, span *tracing.Span, job queue.PublishJob, adapter platform.Adapter, cred json.RawMessage, up *platform.Upload) (*platform.Result, error) {
	span.Event(tracing.LevelInfo, EventPublishStarted, map[string]any{"uploadId": up.ID})
	policy := p.policy(span, job, adapter, "publish.retry")

	var res *platform.Result
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		var err error
		res, err = adapter.Publish(ctx, cred, up)
		return err
	})
	recordVendorCall(job.Platform, "Publish", attempts, err)
	if err != nil {
		span.Event(tracing.LevelError, EventPublishFailed, map[string]any{"attempts": attempts, "error": err.Error()})
		return nil, vendorError(err)
	}
	span.Event(tracing.LevelInfo, EventPublishDone, map[string]any{"resourceId": res.ResourceID, "url": res.URL})
	return res, nil
}

func (p *PlatformRunner) policy(span *tracing.Span, job queue.PublishJob, adapter platform.Adapter, event string) retry.Policy {
	policy := adapter.RetryPolicy()
	if !job.RetryDeadline.IsZero() {
		policy = policy.WithDeadline(job.RetryDeadline)
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		span.Event(tracing.LevelWarn, event, map[string]any{
			"attempt": attempt,
			"delayMs": delay.Milliseconds(),
			"error":   err.Error(),
		})
	}
	return policy
}

// vendorError decides whether the queue should redeliver a failed vendor
// call. Once the retry budget is spent, or the vendor rejected the request
// outright, another delivery cannot help.
func vendorError(err error) error {
	if errors.Is(err, retry.ErrBudgetExhausted) {
		return queue.Permanent(err)
	}
	return permanentUnlessRetriable(err)
}

func recordVendorCall(platformName, call string, attempts int, err error) {
	rec := metrics.New(metrics.Namespace).
		Dimension("Platform", platformName).
		Dimension("Call", call).
		Metric("VendorAttempts", float64(attempts), metrics.UnitCount).
		Metric("VendorRetries", float64(max(attempts-1, 0)), metrics.UnitCount)
	if err != nil {
		rec.Count("VendorFailures")
	}
	rec.Flush()
}

func outcomeFor(err error) queue.Outcome {
	switch {
	case err == nil:
		return queue.OutcomeSuccess
	case jobutil.SpanStatusFor(err) == tracing.SpanTimeout:
		return queue.OutcomeTimeout
	default:
		return queue.OutcomeFailed
	}
}

// Report records a platform's terminal outcome. The reporter that completes
// the set ends the trace with the rolled-up status.
func (p *PlatformRunner) Report(ctx context.Context, job queue.PublishJob, attempt int, res *platform.Result, runErr error) error {
	outcome := outcomeFor(runErr)
	ev := notify.PlatformFinished{
		TraceID:   job.TraceID,
		ProjectID: job.ProjectID,
		Platform:  job.Platform,
		Outcome:   string(outcome),
		Attempt:   attempt,
	}
	if res != nil {
		ev.ResourceID = res.ResourceID
		ev.URL = res.URL
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	if err := p.deps.Notifier.PlatformFinished(ctx, ev); err != nil {
		log.Warn().Err(err).Str("traceId", job.TraceID).Msg("Failed to publish platform finished event")
	}

	complete, outcomes, err := p.deps.Rollup.Report(ctx, job.TraceID, job.Platform, outcome)
	if err != nil {
		return fmt.Errorf("report outcome: %w", err)
	}
	if !complete {
		return nil
	}

	status := RollupStatus(outcomes)
	tr := p.deps.Tracer.Resume(tracing.ResumeOptions{
		TraceID:   job.TraceID,
		ProjectID: job.ProjectID,
		StartedAt: job.TraceStartedAt,
	})
	summary := make(map[string]string, len(outcomes))
	for name, o := range outcomes {
		summary[name] = string(o)
	}
	tr.Event(tracing.LevelInfo, EventPublishCompleted, map[string]any{"status": status, "outcomes": summary})
	tr.End(status)

	if err := p.deps.Notifier.PublishCompleted(ctx, notify.PublishCompleted{
		TraceID:   job.TraceID,
		ProjectID: job.ProjectID,
		Status:    string(status),
		Outcomes:  summary,
		EndedAt:   time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("traceId", job.TraceID).Msg("Failed to publish completion event")
	}
	log.Info().Str("traceId", job.TraceID).Str("status", string(status)).Msg("Publish completed")
	return nil
}

// RollupStatus maps per-platform outcomes to the trace's final status.
func RollupStatus(outcomes map[string]queue.Outcome) tracing.TraceStatus {
	var ok, timedOut int
	for _, o := range outcomes {
		switch o {
		case queue.OutcomeSuccess:
			ok++
		case queue.OutcomeTimeout:
			timedOut++
		}
	}
	switch {
	case len(outcomes) == 0:
		return tracing.TraceFailed
	case ok == len(outcomes):
		return tracing.TraceSuccess
	case timedOut == len(outcomes):
		return tracing.TraceTimeout
	case ok == 0:
		return tracing.TraceFailed
	default:
		return tracing.TracePartial
	}
}
