// Package jobutil provides shared helpers for job failure handling.
//
// RecordFailure unifies the pattern every runner follows when a step fails:
// log the error, classify it into span error detail and end the span.
package jobutil

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/instagram"
	"github.com/fpang/social-publisher/internal/media"
	"github.com/fpang/social-publisher/internal/queue"
	"github.com/fpang/social-publisher/internal/retry"
	"github.com/fpang/social-publisher/internal/tracing"
	"github.com/fpang/social-publisher/internal/youtube"
)

// Detail classifies err into span error detail.
func Detail(err error) *tracing.ErrorDetail {
	if err == nil {
		return nil
	}
	d := &tracing.ErrorDetail{
		Type:      "internal",
		Message:   err.Error(),
		Retriable: retry.IsRetriable(err) && !queue.IsPermanent(err),
	}

	var (
		ve  *media.ValidationError
		me  *media.Error
		ige *instagram.APIError
		yte *youtube.APIError
		sc  retry.StatusCoder
	)
	switch {
	case errors.As(err, &ve):
		d.Type = "validation"
	case errors.As(err, &me):
		d.Type = "media_" + me.Kind.String()
	case errors.As(err, &ige):
		d.Type = "instagram_api"
		d.Code = strconv.Itoa(ige.Code)
	case errors.As(err, &yte):
		d.Type = "youtube_api"
		d.Code = yte.Reason
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, queue.ErrResultTimeout):
		d.Type = "timeout"
	case errors.Is(err, retry.ErrBudgetExhausted):
		d.Type = "retry_budget"
	case errors.As(err, &sc):
		d.Type = "http"
		d.Code = strconv.Itoa(sc.HTTPStatus())
	}
	return d
}

// SpanStatusFor maps a failure to the span status it ends with.
func SpanStatusFor(err error) tracing.SpanStatus {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, queue.ErrResultTimeout):
		return tracing.SpanTimeout
	case errors.Is(err, context.Canceled):
		return tracing.SpanCancelled
	default:
		return tracing.SpanFailed
	}
}

// RecordFailure logs err and ends span with its classified status and detail.
// It returns the detail so callers can attach it to events.
func RecordFailure(span *tracing.Span, step string, err error) *tracing.ErrorDetail {
	detail := Detail(err)
	status := SpanStatusFor(err)
	state := span.State()
	log.Error().
		Err(err).
		Str("traceId", state.TraceID).
		Str("spanId", state.ID).
		Str("step", step).
		Str("platform", state.Platform).
		Str("status", string(status)).
		Bool("retriable", detail.Retriable).
		Msg("Job step failed")
	span.End(status, detail)
	return detail
}
