package streaming

import "context"

// StreamEvent is a real-time event emitted while a sequence is edited or
// executed.
type StreamEvent struct {
	SequenceID string `json:"sequence_id"`
	StepID     string `json:"step_id,omitempty"`
	EventType  string `json:"event_type"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SequenceID string   `json:"sequence_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for the per-step status stream consumed by
// presentation layers.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
