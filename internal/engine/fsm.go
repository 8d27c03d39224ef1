package engine

import (
	"context"

	"github.com/kastel/remedia/internal/streaming"
	"github.com/kastel/remedia/pkg/schema"
)

// ValidExecTransitions defines the allowed execution status transitions.
// A settled step (success or error) returns to idle only through an
// explicit re-arm; nothing leaves a terminal state automatically.
var ValidExecTransitions = map[schema.ExecStatus][]schema.ExecStatus{
	schema.ExecStatusIdle:    {schema.ExecStatusRunning},
	schema.ExecStatusRunning: {schema.ExecStatusSuccess, schema.ExecStatusError},
	schema.ExecStatusSuccess: {schema.ExecStatusIdle},
	schema.ExecStatusError:   {schema.ExecStatusIdle},
}

// StepFSM validates per-step execution status transitions and emits the
// corresponding event on the hub.
type StepFSM struct {
	hub streaming.EventHub
}

// NewStepFSM creates a StepFSM publishing to the given hub.
func NewStepFSM(hub streaming.EventHub) *StepFSM {
	return &StepFSM{hub: hub}
}

// Transition validates a status transition and publishes its event.
func (f *StepFSM) Transition(ctx context.Context, sequenceID, stepID string, from, to schema.ExecStatus) error {
	if !isValidExecTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"sequence_id": sequenceID, "from": string(from), "to": string(to)})
	}

	if eventType := execEventType(to); eventType != "" && f.hub != nil {
		_ = f.hub.Publish(ctx, streaming.StreamEvent{
			SequenceID: sequenceID,
			StepID:     stepID,
			EventType:  eventType,
		})
	}
	return nil
}

func isValidExecTransition(from, to schema.ExecStatus) bool {
	for _, allowed := range ValidExecTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func execEventType(to schema.ExecStatus) string {
	switch to {
	case schema.ExecStatusRunning:
		return schema.EventStepStarted
	case schema.ExecStatusSuccess:
		return schema.EventStepSucceeded
	case schema.ExecStatusError:
		return schema.EventStepFailed
	case schema.ExecStatusIdle:
		return schema.EventStepRearmed
	default:
		return ""
	}
}
