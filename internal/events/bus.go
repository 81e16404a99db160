package events

import (
	"sync"
	"sync/atomic"
)

// EventBus is a channel-based pub-sub event bus.
// Events are routed by their own Topic(); SubscribeAll receives every topic.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	dropped atomic.Uint64           // deliveries skipped on full channels
	closed  bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string][]chan Event),
		allSubs: make([]chan Event, 0),
	}
}

// Subscribe creates a subscription to a specific topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newSubscription(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := newSubscription(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe or SubscribeAll.
// Unknown channels are ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for topic, channels := range b.subs {
		if idx := indexOf(channels, sub); idx >= 0 {
			close(channels[idx])
			b.subs[topic] = append(channels[:idx], channels[idx+1:]...)
			return
		}
	}
	if idx := indexOf(b.allSubs, sub); idx >= 0 {
		close(b.allSubs[idx])
		b.allSubs = append(b.allSubs[:idx], b.allSubs[idx+1:]...)
	}
}

// Publish delivers an event to the subscribers of its topic and to all
// SubscribeAll channels. Non-blocking: a full subscriber misses the event.
func (b *EventBus) Publish(event Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[event.Topic()] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

func newSubscription(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	return make(chan Event, bufSize)
}

func indexOf(channels []chan Event, sub <-chan Event) int {
	for i, ch := range channels {
		if (<-chan Event)(ch) == sub {
			return i
		}
	}
	return -1
}
