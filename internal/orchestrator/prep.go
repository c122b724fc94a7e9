package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/jobutil"
	"github.com/fpang/social-publisher/internal/media"
	"github.com/fpang/social-publisher/internal/queue"
	"github.com/fpang/social-publisher/internal/tracing"
)

// PrepRunner serves the media-prep queue.
type PrepRunner struct {
	deps Deps
	cfg  Config
}

// Handle runs a prep job and publishes its outcome for the waiting platform
// runner. A failed prep is still a completed job: the outcome carries the
// failure and the platform runner decides what to do with it.
func (p *PrepRunner) Handle(ctx context.Context, d queue.Delivery) error {
	var job queue.PrepJob
	if err := d.Decode(&job); err != nil {
		return err
	}
	outcome := p.Run(ctx, job)
	if err := p.deps.Broker.PublishResult(ctx, job.ID, outcome, p.cfg.ResultTTL); err != nil {
		return fmt.Errorf("publish prep result %s: %w", job.ID, err)
	}
	return nil
}

// Run prepares the job's file inside a step span parented on the platform
// span that requested it.
func (p *PrepRunner) Run(ctx context.Context, job queue.PrepJob) queue.PrepOutcome {
	tr := p.deps.Tracer.Resume(tracing.ResumeOptions{TraceID: job.TraceID})
	span := tr.StartSpan(tracing.SpanOptions{
		Name:     "media-prep",
		ParentID: job.ParentSpanID,
		Platform: job.Platform,
		Attrs: map[string]any{
			"uploadType":         job.UploadType,
			"enforceConstraints": job.EnforceConstraints,
		},
	})
	defer span.EndIfRunning(tracing.SpanFailed)

	outcome := queue.PrepOutcome{JobID: job.ID}
	start := time.Now()

	req, err := p.deps.Catalog.Lookup(job.Platform, media.UploadType(job.UploadType))
	if err != nil {
		jobutil.RecordFailure(span, "prep", err)
		outcome.Error = err.Error()
		outcome.Permanent = true
		return outcome
	}

	result, err := p.deps.Engine.Prepare(ctx, media.PrepRequest{
		FilePath:           job.FilePath,
		Requirements:       req,
		Platform:           job.Platform,
		EnforceConstraints: job.EnforceConstraints,
		TraceID:            job.TraceID,
	})
	if err != nil {
		jobutil.RecordFailure(span, "prep", err)
		outcome.Error = err.Error()
		outcome.Permanent = permanentPrepError(err)
		var ve *media.ValidationError
		if errors.As(err, &ve) {
			outcome.Issues = ve.Issues
		}
		return outcome
	}

	outcome.FilePath = result.FilePath
	outcome.Converted = result.Converted
	outcome.Issues = result.Issues
	span.SetAttr("filePath", result.FilePath)
	span.SetAttr("converted", result.Converted)
	span.SetAttr("issues", len(result.Issues))
	span.End(tracing.SpanSuccess, nil)
	log.Info().
		Str("traceId", job.TraceID).
		Str("platform", job.Platform).
		Bool("converted", result.Converted).
		Dur("duration", time.Since(start)).
		Msg("Media prepared")
	return outcome
}

// permanentPrepError reports failures a redelivery would repeat.
func permanentPrepError(err error) bool {
	var ve *media.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var me *media.Error
	if errors.As(err, &me) {
		return me.Kind == media.ErrKindUnsupported || me.Kind == media.ErrKindToolMissing
	}
	return false
}
