package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pulseclients "github.com/leafscale/aps/internal/clients/pulse"
	"github.com/leafscale/aps/internal/telemetry"
)

// DefaultStream is the Pulse stream external watchers follow for task
// lifecycle events.
const DefaultStream = "aps_task_progress"

// StreamPublisher forwards bus events to a Pulse stream so external watchers
// can follow task progress without polling the task store. Publish failures
// are logged and swallowed: losing a progress event must not fail the stage
// that produced it.
type StreamPublisher struct {
	stream pulseclients.Stream
	log    telemetry.Logger
}

// NewStreamPublisher opens the named stream on the client.
func NewStreamPublisher(client pulseclients.Client, streamName string, log telemetry.Logger) (*StreamPublisher, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	if streamName == "" {
		return nil, errors.New("stream name is required")
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	stream, err := client.Stream(streamName)
	if err != nil {
		return nil, fmt.Errorf("open progress stream %q: %w", streamName, err)
	}
	return &StreamPublisher{stream: stream, log: log}, nil
}

// HandleEvent implements Subscriber.
func (p *StreamPublisher) HandleEvent(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn(ctx, "marshal progress event", "type", event.Type, "err", err)
		return nil
	}
	if _, err := p.stream.Add(ctx, string(event.Type), payload); err != nil {
		p.log.Warn(ctx, "publish progress event", "type", event.Type, "err", err)
	}
	return nil
}
