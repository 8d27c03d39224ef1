package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastel/remedia/pkg/schema"
)

func recvOne(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		SequenceID: "seq-1",
		StepID:     "step-a",
		EventType:  schema.EventStepStarted,
	}))

	e := recvOne(t, ch)
	assert.Equal(t, "seq-1", e.SequenceID)
	assert.Equal(t, schema.EventStepStarted, e.EventType)
}

func TestMemoryHub_FilterBySequence(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{SequenceID: "seq-2"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SequenceID: "seq-1", EventType: schema.EventStepStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SequenceID: "seq-2", EventType: schema.EventStepSucceeded}))

	e := recvOne(t, ch)
	assert.Equal(t, "seq-2", e.SequenceID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestMemoryHub_FilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventStepFailed}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SequenceID: "s", EventType: schema.EventStepStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SequenceID: "s", EventType: schema.EventStepFailed}))

	e := recvOne(t, ch)
	assert.Equal(t, schema.EventStepFailed, e.EventType)
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SequenceID: "s", EventType: schema.EventStepStarted}))
	select {
	case e := <-ch:
		t.Fatalf("event delivered after cancel: %+v", e)
	default:
	}
}

func TestMemoryHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Fill well past the channel buffer; Publish must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{SequenceID: "s", EventType: schema.EventSequenceChanged}))
	}
}
