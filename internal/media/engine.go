package media

import (
	"context"
	"time"

	"github.com/fpang/social-publisher/internal/metrics"
	"github.com/rs/zerolog/log"
)

// PrepRequest is the input to Engine.Prepare.
type PrepRequest struct {
	FilePath     string
	Requirements Requirements
	Platform     string
	// EnforceConstraints fails instead of converting when the file has
	// error-severity issues.
	EnforceConstraints bool
	// TraceID names the output folder for converted files.
	TraceID string
}

// PrepResult is the outcome of a successful Prepare.
type PrepResult struct {
	FilePath  string  `json:"filePath"`
	Converted bool    `json:"converted"`
	Info      Info    `json:"info"`
	Issues    []Issue `json:"issues"`
	Target    *Target `json:"target,omitempty"`
}

// Engine runs inspect, validate and (optionally) transcode for one file.
type Engine struct {
	inspector  Inspector
	transcoder Transcoder
}

// NewEngine wires an engine from its two tool-facing halves.
func NewEngine(inspector Inspector, transcoder Transcoder) *Engine {
	return &Engine{inspector: inspector, transcoder: transcoder}
}

// Prepare makes sure the file at req.FilePath satisfies req.Requirements.
// The source file is never modified.
func (e *Engine) Prepare(ctx context.Context, req PrepRequest) (*PrepResult, error) {
	mediaType := DetectType(req.FilePath)

	start := time.Now()
	info, err := e.inspector.Inspect(ctx, req.FilePath, mediaType)
	metrics.New(metrics.Namespace).
		Dimension("MediaType", string(mediaType)).
		Metric("InspectMs", float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
		Flush()
	if err != nil {
		return nil, err
	}

	verdict := Validate(info, req.Requirements)
	result := &PrepResult{
		FilePath: req.FilePath,
		Info:     info,
		Issues:   verdict.Issues,
		Target:   verdict.Target,
	}

	for _, issue := range verdict.Issues {
		if issue.Severity == SeverityWarning {
			log.Warn().
				Str("platform", req.Platform).
				Str("field", issue.Field).
				Msg(issue.Message)
		}
	}

	if verdict.Valid {
		log.Debug().Str("platform", req.Platform).Str("path", req.FilePath).Msg("Media meets platform requirements")
		return result, nil
	}

	if req.EnforceConstraints {
		return nil, &ValidationError{Platform: req.Platform, Issues: verdict.Issues}
	}

	log.Info().
		Str("platform", req.Platform).
		Str("path", req.FilePath).
		Int("issues", len(verdict.Errors())).
		Interface("target", verdict.Target).
		Msg("Media requires conversion")

	out, err := e.transcoder.Transcode(ctx, TranscodeRequest{
		Source:   req.FilePath,
		Info:     info,
		Target:   *verdict.Target,
		TraceID:  req.TraceID,
		Platform: req.Platform,
	})
	if err != nil {
		return nil, err
	}
	result.FilePath = out
	result.Converted = true
	return result, nil
}
