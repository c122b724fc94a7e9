package tracing

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// LogSink writes batches to the structured log. It is the fallback when no
// database or ingest endpoint is configured.
type LogSink struct{}

func (LogSink) Write(_ context.Context, stage Stage, batch []Record) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	log.Info().
		Str("sink", "log").
		Str("stage", stage.String()).
		Int("records", len(batch)).
		RawJSON("batch", data).
		Msg("Trace batch")
	return nil
}
