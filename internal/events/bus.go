// Package events is the pipeline's fanout layer: an in-process pub/sub bus
// for live reactions and an append-only JSONL log for diagnostics. The two
// are bridged by Fanout, which is what components emit through.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a pipeline event.
type EventType string

const (
	// EventSuggestionEnqueued fires when a suggestion is accepted into the queue.
	EventSuggestionEnqueued EventType = "suggestion_enqueued"
	// EventSuggestionPresented fires when a suggestion is dequeued for display.
	EventSuggestionPresented EventType = "suggestion_presented"
	// EventSuggestionResolved fires when the display layer reports accept/reject/dismiss.
	EventSuggestionResolved EventType = "suggestion_resolved"
	// EventSuggestionExpired fires when the sweep drops expired entries.
	EventSuggestionExpired EventType = "suggestion_expired"
	// EventEntityAdded/Updated/Removed are published by the interaction controller.
	EventEntityAdded   EventType = "entity_added"
	EventEntityUpdated EventType = "entity_updated"
	EventEntityRemoved EventType = "entity_removed"
	// EventAgentRequest fires when an agent-facing action asks for external work.
	EventAgentRequest EventType = "agent_request"
	// EventActionError fires for unknown action types and handler failures.
	EventActionError EventType = "action_error"
	// EventConfigReloaded fires after a config hot reload is applied.
	EventConfigReloaded EventType = "config_reloaded"
)

// Event is what subscribers receive.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber receives events on a dedicated goroutine, one at a time, in
// publish order.
type Subscriber func(Event)

// Bus fans events out without ever blocking a publisher. Every subscriber
// owns a buffered channel and a delivery goroutine; when the buffer is full
// the event is dropped for that subscriber and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]*subscription
	nextID int
	closed bool

	bufSize int
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

type subscription struct {
	id int
	ch chan Event
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subs:    make(map[EventType][]*subscription),
		bufSize: bufferSize,
	}
}

// Subscribe registers fn for one event type and returns its unsubscribe
// function. Unsubscribing twice is harmless; subscribing to a closed bus
// yields a subscription that never fires.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	sub := &subscription{id: b.nextID, ch: make(chan Event, b.bufSize)}
	b.nextID++
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub.ch, fn)

	return func() { b.remove(eventType, sub.id) }
}

// Publish sends the event to every subscriber of its type. Full buffers
// drop rather than block: publishers sit on pipeline hot paths.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers
// since the bus was created. Exposed through export diagnostics.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes everything and waits until the already-buffered
// events have been delivered. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	for eventType, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, eventType)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) remove(eventType EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// deliver drains one subscriber channel until unsubscribe or Close.
func (b *Bus) deliver(ch chan Event, fn Subscriber) {
	defer b.wg.Done()
	for event := range ch {
		b.call(fn, event)
	}
}

// call isolates a subscriber panic to the event that caused it.
func (b *Bus) call(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: subscriber panic on %s: %v", event.Type, r)
		}
	}()
	fn(event)
}
