// Package progress delivers submission updates to subscribed clients.
package progress

import (
	"context"
	"encoding/json"

	"codejudge/internal/judge/model"
)

// UpdateEvent is the frame event name for submission updates.
const UpdateEvent = "submission:update"

// Broadcaster delivers an event to everyone subscribed to its submission.
type Broadcaster interface {
	Broadcast(ctx context.Context, event model.ProgressEvent) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, event model.ProgressEvent) error

func (f BroadcasterFunc) Broadcast(ctx context.Context, event model.ProgressEvent) error {
	return f(ctx, event)
}

// Frame is the wire envelope sent to clients.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Room names the subscription group of a submission.
func Room(submissionID string) string {
	return "submission:" + submissionID
}

func encodeFrame(event string, data interface{}) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}

// Multi fans an event out to several broadcasters and returns the first error.
type Multi []Broadcaster

func (m Multi) Broadcast(ctx context.Context, event model.ProgressEvent) error {
	var first error
	for _, b := range m {
		if err := b.Broadcast(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
