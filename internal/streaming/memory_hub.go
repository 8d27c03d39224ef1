package streaming

import (
	"context"
	"slices"
	"sync"
)

const subscriberBuffer = 64

// subscriber pairs a delivery channel with its filter.
type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub built on buffered channels. A slow
// subscriber never blocks a publisher: events it cannot take are dropped.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscriber
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]subscriber)}
}

// Publish fans the event out to every subscriber whose filter matches.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// subscriber buffer full, drop
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel
// function detaches it; the channel is never closed by the hub.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamEvent, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

func (f EventFilter) matches(e StreamEvent) bool {
	if f.SequenceID != "" && f.SequenceID != e.SequenceID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}
