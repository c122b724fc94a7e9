// Package intake accepts publish requests and hands them to the master
// queue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/jobs"
	"github.com/fpang/social-publisher/internal/queue"
	"github.com/fpang/social-publisher/internal/store"
	"github.com/fpang/social-publisher/internal/tracing"
)

// Trace event names emitted during intake.
const (
	EventReceived  = "publish.request.received"
	EventValidated = "publish.request.validated"
	EventQueued    = "publish.request.queued"
)

// Request is a publish request as submitted by a client.
type Request struct {
	ProjectID      string   `json:"projectId"`
	IdempotencyKey string   `json:"idempotencyKey,omitempty"`
	MediaURL       string   `json:"mediaUrl"`
	Title          string   `json:"title,omitempty"`
	Description    string   `json:"description,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	// EnforceConstraints fails platforms whose media does not meet their
	// requirements instead of converting it.
	EnforceConstraints *bool `json:"enforceConstraints,omitempty"`
}

// Receipt identifies the trace a request resolved to.
type Receipt struct {
	TraceID   string `json:"traceId"`
	RequestID string `json:"requestId"`
	MessageID string `json:"messageId,omitempty"`
	// Duplicate is set when the idempotency key resolved to an earlier trace
	// and nothing new was queued.
	Duplicate bool `json:"duplicate"`
}

// RequestError reports a request that cannot be accepted.
type RequestError struct {
	Type    RequestErrorType
	Message string
	Err     error
}

// RequestErrorType categorizes rejected requests.
type RequestErrorType int

const (
	// ErrTypeMissingField indicates a required field is empty.
	ErrTypeMissingField RequestErrorType = iota
	// ErrTypeInvalidMedia indicates the media reference is not a supported source.
	ErrTypeInvalidMedia
	// ErrTypeUnknownProject indicates the project has no platforms configured.
	ErrTypeUnknownProject
)

func (e *RequestError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Validate checks the request's fields.
func (r Request) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return &RequestError{Type: ErrTypeMissingField, Message: "projectId is required"}
	}
	if strings.TrimSpace(r.MediaURL) == "" {
		return &RequestError{Type: ErrTypeMissingField, Message: "mediaUrl is required"}
	}
	u, err := url.Parse(r.MediaURL)
	if err != nil {
		return &RequestError{Type: ErrTypeInvalidMedia, Message: "mediaUrl is not a valid URL", Err: err}
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return &RequestError{Type: ErrTypeInvalidMedia, Message: "mediaUrl has no host"}
		}
	case "s3":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return &RequestError{Type: ErrTypeInvalidMedia, Message: "mediaUrl must be s3://bucket/key"}
		}
	case "", "file":
		if !filepath.IsAbs(strings.TrimPrefix(r.MediaURL, "file://")) {
			return &RequestError{Type: ErrTypeInvalidMedia, Message: "local media paths must be absolute"}
		}
	default:
		return &RequestError{Type: ErrTypeInvalidMedia, Message: fmt.Sprintf("unsupported media scheme %q", u.Scheme)}
	}
	return nil
}

// Service accepts publish requests.
type Service struct {
	tracer      *tracing.Tracer
	broker      queue.Broker
	projects    store.ProjectStore
	idempotency store.IdempotencyStore
}

func NewService(tracer *tracing.Tracer, broker queue.Broker, projects store.ProjectStore, idempotency store.IdempotencyStore) *Service {
	return &Service{tracer: tracer, broker: broker, projects: projects, idempotency: idempotency}
}

// Accept validates req, resolves its idempotency key and queues the master
// job. A key that was already used returns the original trace.
func (s *Service) Accept(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.projects.ListPlatforms(ctx, req.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &RequestError{Type: ErrTypeUnknownProject, Message: "project " + req.ProjectID + " is not configured", Err: err}
		}
		return nil, fmt.Errorf("load project: %w", err)
	}

	traceID := uuid.NewString()
	requestID := req.IdempotencyKey
	if requestID == "" {
		requestID = jobs.GenerateID("req-")
	} else if s.idempotency != nil {
		bound, created, err := s.idempotency.Claim(ctx, req.ProjectID, req.IdempotencyKey, traceID)
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if !created {
			log.Info().
				Str("projectId", req.ProjectID).
				Str("requestId", requestID).
				Str("traceId", bound).
				Msg("Duplicate publish request")
			return &Receipt{TraceID: bound, RequestID: requestID, Duplicate: true}, nil
		}
	}

	tr := s.tracer.Start(tracing.StartOptions{
		TraceID:   traceID,
		ProjectID: req.ProjectID,
		RequestID: requestID,
		Input:     req,
	})
	tr.Event(tracing.LevelInfo, EventReceived, map[string]any{"mediaUrl": req.MediaURL})
	tr.Event(tracing.LevelInfo, EventValidated, nil)

	// The trace row must exist before the master resumes it.
	if err := s.tracer.Sync(ctx); err != nil {
		log.Warn().Err(err).Str("traceId", traceID).Msg("Failed to flush trace before queueing")
	}

	msgID, err := s.broker.Enqueue(ctx, queue.QueueMaster, queue.MasterJob{
		TraceID:            traceID,
		ProjectID:          req.ProjectID,
		RequestID:          requestID,
		MediaURL:           req.MediaURL,
		Title:              req.Title,
		Description:        req.Description,
		Tags:               req.Tags,
		EnforceConstraints: req.EnforceConstraints,
		TraceStartedAt:     tr.StartedAt(),
	})
	if err != nil {
		tr.Event(tracing.LevelError, "publish.request.failed", map[string]any{"error": err.Error()})
		tr.End(tracing.TraceFailed)
		return nil, fmt.Errorf("enqueue master job: %w", err)
	}
	tr.Event(tracing.LevelInfo, EventQueued, map[string]any{"messageId": msgID})

	log.Info().
		Str("traceId", traceID).
		Str("projectId", req.ProjectID).
		Str("requestId", requestID).
		Str("messageId", msgID).
		Msg("Publish request queued")
	return &Receipt{TraceID: traceID, RequestID: requestID, MessageID: msgID}, nil
}
