package app

import (
	"sync"

	"atp/internal/logging"
)

// Event is one execution lifecycle notification delivered to SSE and
// WebSocket subscribers.
type Event struct {
	Type        string `json:"type"` // accepted, paused, completed, failed
	ExecutionID string `json:"executionId"`
	Payload     any    `json:"payload,omitempty"`
}

// EventBroadcaster fans execution events out to per-execution subscribers.
// Slow subscribers drop events rather than block the execution path.
type EventBroadcaster struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	logger logging.Logger
}

const subscriberBuffer = 16

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subs:   map[string][]chan Event{},
		logger: logging.NewComponentLogger("Broadcaster"),
	}
}

// Subscribe returns a channel of events for one execution and a cancel
// function that closes it.
func (b *EventBroadcaster) Subscribe(executionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[executionID] = append(b.subs[executionID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		channels := b.subs[executionID]
		for i, c := range channels {
			if c == ch {
				b.subs[executionID] = append(channels[:i], channels[i+1:]...)
				close(c)
				break
			}
		}
		if len(b.subs[executionID]) == 0 {
			delete(b.subs, executionID)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its execution.
func (b *EventBroadcaster) Publish(event Event) {
	b.mu.RLock()
	channels := append([]chan Event(nil), b.subs[event.ExecutionID]...)
	b.mu.RUnlock()
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropping %s event for slow subscriber of %s", event.Type, event.ExecutionID)
		}
	}
}
