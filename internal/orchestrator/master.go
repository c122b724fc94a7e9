package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/fetch"
	"github.com/fpang/social-publisher/internal/jobutil"
	"github.com/fpang/social-publisher/internal/platform"
	"github.com/fpang/social-publisher/internal/queue"
	"github.com/fpang/social-publisher/internal/retry"
	"github.com/fpang/social-publisher/internal/secrets"
	"github.com/fpang/social-publisher/internal/store"
	"github.com/fpang/social-publisher/internal/tracing"
)

// Master downloads the source and fans a publish request out to platforms.
type Master struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// Handle is the master queue handler.
func (m *Master) Handle(ctx context.Context, d queue.Delivery) error {
	var job queue.MasterJob
	if err := d.Decode(&job); err != nil {
		return err
	}
	return m.Run(ctx, job, d.Attempt)
}

// Run executes one delivery of a master job. Nothing is enqueued unless
// every enabled platform passes validation.
func (m *Master) Run(ctx context.Context, job queue.MasterJob, attempt int) error {
	tr := m.trace(job)
	final := attempt >= m.cfg.MaxAttempts
	logger := log.With().Str("traceId", tr.ID()).Str("projectId", job.ProjectID).Int("attempt", attempt).Logger()

	span := tr.StartSpan(tracing.SpanOptions{
		Name:        "master-orchestration",
		Kind:        tracing.KindMaster,
		Attempt:     attempt,
		MaxAttempts: m.cfg.MaxAttempts,
		Attrs:       map[string]any{"mediaUrl": job.MediaURL},
	})
	defer span.EndIfRunning(tracing.SpanFailed)

	fail := func(step string, err error) error {
		jobutil.RecordFailure(span, step, err)
		if queue.IsPermanent(err) || final {
			tr.End(traceStatusFor(err))
		}
		return err
	}

	// Download once; every platform prepares from this copy.
	download := tr.StartSpan(tracing.SpanOptions{Name: "download", ParentID: span.ID(), Attrs: map[string]any{"source": job.MediaURL}})
	src, err := m.deps.Fetcher.Fetch(ctx, tr.ID(), job.MediaURL)
	if err != nil {
		err = classifyFetchError(err)
		jobutil.RecordFailure(download, "download", err)
		return fail("download", err)
	}
	download.SetAttr("filePath", src.Path)
	download.SetAttr("size", src.Size)
	download.End(tracing.SpanSuccess, nil)

	platforms, err := m.enabledPlatforms(ctx, job.ProjectID)
	if err != nil {
		return fail("platforms", err)
	}

	adapters, err := m.validate(ctx, tr, job.ProjectID, platforms, src.Path)
	if err != nil {
		return fail("validation", err)
	}

	names := make([]string, 0, len(adapters))
	for _, cfg := range platforms {
		if cfg.Enabled {
			names = append(names, cfg.Platform)
		}
	}
	if err := m.deps.Rollup.Expect(ctx, tr.ID(), names); err != nil {
		return fail("rollup", fmt.Errorf("register platforms: %w", err))
	}

	// Platform workers in other processes parent their spans on the master
	// span, which must be persisted before they start.
	if err := m.deps.Tracer.Sync(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush trace before fan-out")
	}

	deadline := m.now().Add(m.cfg.RetryBudget)
	enforce := m.cfg.EnforceConstraints
	if job.EnforceConstraints != nil {
		enforce = *job.EnforceConstraints
	}
	payloads := make([]any, 0, len(names))
	for _, name := range names {
		payloads = append(payloads, queue.PublishJob{
			TraceID:            tr.ID(),
			TraceStartedAt:     tr.StartedAt(),
			ProjectID:          job.ProjectID,
			Platform:           name,
			MasterSpanID:       span.ID(),
			FilePath:           src.Path,
			SourceURL:          job.MediaURL,
			Title:              job.Title,
			Description:        job.Description,
			Tags:               job.Tags,
			EnforceConstraints: enforce,
			RetryDeadline:      deadline,
		})
	}
	if _, err := m.deps.Broker.EnqueueBatch(ctx, queue.QueuePublish, payloads); err != nil {
		return fail("fan-out", fmt.Errorf("enqueue publish jobs: %w", err))
	}

	span.SetAttr("platforms", names)
	span.End(tracing.SpanSuccess, nil)
	logger.Info().Strs("platforms", names).Msg("Publish jobs enqueued")
	return nil
}

func (m *Master) trace(job queue.MasterJob) *tracing.Trace {
	if job.TraceID == "" {
		return m.deps.Tracer.Start(tracing.StartOptions{
			ProjectID: job.ProjectID,
			RequestID: job.RequestID,
			Input:     job,
		})
	}
	return m.deps.Tracer.Resume(tracing.ResumeOptions{
		TraceID:   job.TraceID,
		ProjectID: job.ProjectID,
		RequestID: job.RequestID,
		StartedAt: job.TraceStartedAt,
	})
}

func (m *Master) enabledPlatforms(ctx context.Context, projectID string) ([]store.PlatformConfig, error) {
	platforms, err := m.deps.Projects.ListPlatforms(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, queue.Permanent(fmt.Errorf("project %s has no platforms configured", projectID))
	}
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	for _, p := range platforms {
		if p.Enabled {
			return platforms, nil
		}
	}
	return nil, queue.Permanent(fmt.Errorf("project %s has no enabled platforms", projectID))
}

// validate checks every enabled platform in listing order and stops at the
// first failure.
func (m *Master) validate(ctx context.Context, tr *tracing.Trace, projectID string, platforms []store.PlatformConfig, filePath string) ([]platform.Adapter, error) {
	var adapters []platform.Adapter
	for _, cfg := range platforms {
		data := map[string]any{"platform": cfg.Platform}
		tr.Event(tracing.LevelInfo, EventValidationStarted, data)
		if !cfg.Enabled {
			tr.Event(tracing.LevelInfo, EventValidationSkipped, map[string]any{"platform": cfg.Platform, "reason": "disabled"})
			continue
		}
		adapter, err := m.validatePlatform(ctx, projectID, cfg, filePath)
		if err != nil {
			tr.Event(tracing.LevelError, EventValidationFailed, map[string]any{"platform": cfg.Platform, "error": err.Error()})
			return nil, fmt.Errorf("platform %s: %w", cfg.Platform, err)
		}
		tr.Event(tracing.LevelInfo, EventValidationCompleted, data)
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

func (m *Master) validatePlatform(ctx context.Context, projectID string, cfg store.PlatformConfig, filePath string) (platform.Adapter, error) {
	adapter, err := m.deps.Registry.Get(cfg.Platform)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	uploadType, err := adapter.UploadType(cfg, filePath)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	if _, err := m.deps.Catalog.Lookup(cfg.Platform, uploadType); err != nil {
		return nil, queue.Permanent(err)
	}
	cred, err := m.deps.Secrets.Get(ctx, projectID, cfg.Platform)
	if err == nil && len(cred) == 0 {
		err = secrets.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, queue.Permanent(fmt.Errorf("no credential configured: %w", err))
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if err := adapter.Verify(ctx, cred); err != nil {
		return nil, permanentUnlessRetriable(err)
	}
	return adapter, nil
}

// classifyFetchError marks downloads that cannot succeed on redelivery.
func classifyFetchError(err error) error {
	var se *fetch.StatusError
	if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError && se.StatusCode != http.StatusTooManyRequests {
		return queue.Permanent(err)
	}
	if errors.Is(err, fetch.ErrUnsupportedSource) {
		return queue.Permanent(err)
	}
	return err
}

func permanentUnlessRetriable(err error) error {
	if errors.Is(err, platform.ErrMisconfigured) || !retry.IsRetriable(err) {
		return queue.Permanent(err)
	}
	return err
}

func traceStatusFor(err error) tracing.TraceStatus {
	switch jobutil.SpanStatusFor(err) {
	case tracing.SpanTimeout:
		return tracing.TraceTimeout
	case tracing.SpanCancelled:
		return tracing.TraceCancelled
	default:
		return tracing.TraceFailed
	}
}
