// Package broker defines the event fan-out contract used to deliver
// per-session detection results and metric snapshots to subscribers. A room
// is the publish/subscribe grouping key; in this system it is always a
// session identifier.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event types published by the video pipeline.
const (
	EventDetectionResult = "detection_result"
	EventMetricsUpdate   = "metrics_update"
)

// Event is one published payload together with its delivery metadata.
type Event struct {
	// ID is a unique, monotonically increasing identifier within the room.
	ID string `json:"id"`
	// Type tags the payload: detection_result or metrics_update.
	Type string `json:"type"`
	// Data is the JSON-serialized payload.
	Data json.RawMessage `json:"data"`
}

// Broker fans events out to whatever subscribers are attached to a room.
// Publish is fire-and-forget: there is no delivery guarantee when no
// subscriber is currently attached, but ordering within a room is preserved.
type Broker interface {
	// Publish marshals payload and delivers it to the room's subscribers.
	// Returns the generated event ID.
	Publish(ctx context.Context, room string, eventType string, payload any) (eventID string, err error)

	// Subscribe to room events, resuming from lastEventID if provided.
	// If lastEventID is empty, the subscription starts from the next
	// published event.
	Subscribe(ctx context.Context, room string, lastEventID string) (EventStream, error)

	// Cleanup removes all resources associated with a room, closing any
	// active subscriptions.
	Cleanup(ctx context.Context, room string) error
}

// EventStream provides ordered event consumption within a room. Streams are
// safe for use by a single consumer.
type EventStream interface {
	// Next blocks until the next event is available or ctx is cancelled.
	// Returns io.EOF when the stream is closed and drained.
	Next(ctx context.Context) (Event, error)

	// Close releases resources associated with this stream.
	Close() error
}

// Encode marshals payload into an event body. Shared by implementations.
func Encode(eventType string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return data, nil
}
