package events

import (
	"sync"

	"github.com/lectorlab/sibyl/internal/model"
)

// Emitter is the write side of the pipeline's event stream. Controllers and
// the dispatcher publish through it instead of holding the bus and log
// directly, which also lets tests capture emissions synchronously.
type Emitter interface {
	Emit(eventType EventType, details map[string]interface{})
}

// Fanout delivers each emitted event to the in-process bus and the
// persistent event log. Either target may be nil. Log write failures are
// dropped: diagnostics must never disturb the pipeline.
//
// Every emission gets a fresh evt_ id before delivery, so a bus subscriber
// and the matching log entry can be correlated after the fact.
type Fanout struct {
	Bus *Bus
	Log *EventLog
}

func (f *Fanout) Emit(eventType EventType, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	if _, ok := details["event_id"]; !ok {
		if id, err := model.GenerateID(model.IDTypeEvent); err == nil {
			details["event_id"] = id
		}
	}
	if f.Bus != nil {
		f.Bus.Publish(eventType, details)
	}
	if f.Log != nil {
		_ = f.Log.Log(string(eventType), details)
	}
}

// Capture is an Emitter that records events in memory. Test helper.
type Capture struct {
	mu     sync.Mutex
	events []CapturedEvent
}

type CapturedEvent struct {
	Type    EventType
	Details map[string]interface{}
}

func (c *Capture) Emit(eventType EventType, details map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, CapturedEvent{Type: eventType, Details: details})
}

// Events returns a copy of everything captured so far.
func (c *Capture) Events() []CapturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CapturedEvent, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the captured events of one type, in emission order.
func (c *Capture) OfType(eventType EventType) []CapturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []CapturedEvent
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
