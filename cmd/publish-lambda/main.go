// Package main provides the Lambda entry point for publish intake.
//
// The function accepts a publish request by direct invoke, validates it,
// starts its trace and queues the master job. The workers that run the
// publish itself are the long-running "publisher worker" processes.
//
// Event format:
//
//	{
//	  "projectId": "demo",
//	  "mediaUrl": "https://... | s3://bucket/key",
//	  "idempotencyKey": "optional",
//	  "title": "...", "description": "...", "tags": ["..."]
//	}
package main

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/bootstrap"
	"github.com/fpang/social-publisher/internal/config"
	"github.com/fpang/social-publisher/internal/intake"
	"github.com/fpang/social-publisher/internal/logging"
	"github.com/fpang/social-publisher/internal/metrics"
)

var coldStart = true

func main() {
	logging.Init()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	app, err := bootstrap.Build(context.Background(), cfg, "publish-lambda")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	app.StartupLogger().Log()
	lambda.Start(newHandler(app.Intake, app.Ingestor.Flush))
}

// Response is returned to the invoker. Rejected requests are reported in
// Error with Status "rejected" rather than as a Lambda error, so callers can
// tell bad input from an outage.
type Response struct {
	Status    string `json:"status"`
	TraceID   string `json:"traceId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

type acceptor interface {
	Accept(ctx context.Context, req intake.Request) (*intake.Receipt, error)
}

func newHandler(svc acceptor, flush func(context.Context) error) func(context.Context, intake.Request) (*Response, error) {
	return func(ctx context.Context, req intake.Request) (*Response, error) {
		if coldStart {
			coldStart = false
			log.Info().Str("function", "publish-lambda").Msg("Cold start, first invocation")
		}
		start := time.Now()
		log.Info().
			Str("projectId", req.ProjectID).
			Str("idempotencyKey", req.IdempotencyKey).
			Msg("Publish Lambda invoked")

		receipt, err := svc.Accept(ctx, req)
		// Pending trace events must reach the sink before the sandbox freezes.
		if ferr := flush(ctx); ferr != nil {
			log.Warn().Err(ferr).Msg("Trace flush failed")
		}

		m := metrics.New(metrics.Namespace).Dimension("Function", "publish-lambda")
		defer func() { m.Duration("IntakeLatencyMs", time.Since(start)).Flush() }()

		var reqErr *intake.RequestError
		switch {
		case errors.As(err, &reqErr):
			m.Count("IntakeRejected")
			log.Warn().Err(err).Str("projectId", req.ProjectID).Msg("Publish request rejected")
			return &Response{Status: "rejected", Error: reqErr.Error()}, nil
		case err != nil:
			m.Count("IntakeErrors")
			return nil, err
		}

		m.Count("IntakeAccepted")
		status := "queued"
		if receipt.Duplicate {
			status = "duplicate"
		}
		return &Response{
			Status:    status,
			TraceID:   receipt.TraceID,
			RequestID: receipt.RequestID,
			Duplicate: receipt.Duplicate,
		}, nil
	}
}
