// Package notify publishes publish lifecycle notifications to EventBridge.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// Source is the EventBridge source of every notification.
const Source = "social-publisher"

// Detail types.
const (
	DetailPlatformFinished = "PlatformFinished"
	DetailPublishCompleted = "PublishCompleted"
)

// PlatformFinished is sent when a platform reaches a terminal outcome.
type PlatformFinished struct {
	TraceID    string `json:"traceId"`
	ProjectID  string `json:"projectId"`
	Platform   string `json:"platform"`
	Outcome    string `json:"outcome"`
	ResourceID string `json:"resourceId,omitempty"`
	URL        string `json:"url,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempt    int    `json:"attempt"`
}

// PublishCompleted is sent once per trace when every platform has reported.
type PublishCompleted struct {
	TraceID   string            `json:"traceId"`
	ProjectID string            `json:"projectId"`
	RequestID string            `json:"requestId,omitempty"`
	Status    string            `json:"status"`
	Outcomes  map[string]string `json:"outcomes"`
	EndedAt   time.Time         `json:"endedAt"`
}

// Notifier delivers lifecycle notifications. Delivery is best effort: the
// publish outcome never depends on it.
type Notifier interface {
	PlatformFinished(ctx context.Context, ev PlatformFinished) error
	PublishCompleted(ctx context.Context, ev PublishCompleted) error
}

// EventBridgeAPI is the subset of the EventBridge client used here.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeNotifier puts events on a named bus.
type EventBridgeNotifier struct {
	client EventBridgeAPI
	bus    string
}

func NewEventBridgeNotifier(client EventBridgeAPI, bus string) *EventBridgeNotifier {
	return &EventBridgeNotifier{client: client, bus: bus}
}

func (n *EventBridgeNotifier) PlatformFinished(ctx context.Context, ev PlatformFinished) error {
	return n.put(ctx, DetailPlatformFinished, ev.TraceID, ev)
}

func (n *EventBridgeNotifier) PublishCompleted(ctx context.Context, ev PublishCompleted) error {
	return n.put(ctx, DetailPublishCompleted, ev.TraceID, ev)
}

func (n *EventBridgeNotifier) put(ctx context.Context, detailType, traceID string, event any) error {
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", detailType, err)
	}

	input := &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{
			{
				EventBusName: aws.String(n.bus),
				Source:       aws.String(Source),
				DetailType:   aws.String(detailType),
				Detail:       aws.String(string(detail)),
			},
		},
	}

	result, err := n.client.PutEvents(ctx, input)
	if err != nil {
		log.Error().Err(err).Str("traceId", traceID).Str("detailType", detailType).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Str("traceId", traceID).
					Str("detailType", detailType).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
			}
		}
	}

	log.Debug().Str("traceId", traceID).Str("detailType", detailType).Msg("Notification emitted to EventBridge")
	return nil
}

// LogNotifier logs notifications. It is used when no event bus is configured.
type LogNotifier struct{}

func (LogNotifier) PlatformFinished(_ context.Context, ev PlatformFinished) error {
	log.Info().Str("traceId", ev.TraceID).Str("platform", ev.Platform).Str("outcome", ev.Outcome).Msg("Platform finished")
	return nil
}

func (LogNotifier) PublishCompleted(_ context.Context, ev PublishCompleted) error {
	log.Info().Str("traceId", ev.TraceID).Str("status", ev.Status).Interface("outcomes", ev.Outcomes).Msg("Publish completed")
	return nil
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu        sync.Mutex
	Platforms []PlatformFinished
	Completed []PublishCompleted
}

func (r *Recorder) PlatformFinished(_ context.Context, ev PlatformFinished) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Platforms = append(r.Platforms, ev)
	return nil
}

func (r *Recorder) PublishCompleted(_ context.Context, ev PublishCompleted) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Completed = append(r.Completed, ev)
	return nil
}

// Snapshot returns copies of the recorded notifications.
func (r *Recorder) Snapshot() ([]PlatformFinished, []PublishCompleted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PlatformFinished(nil), r.Platforms...), append([]PublishCompleted(nil), r.Completed...)
}
