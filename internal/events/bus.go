package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionWarmingUp EventType = "session.warming_up"
	EventSessionRunning   EventType = "session.running"
	EventSessionStopped   EventType = "session.stopped"
	EventMasterElected    EventType = "master.elected"
	EventBarrierFired     EventType = "barrier.fired"
	EventDeviceStatus     EventType = "device.status"
	EventCommandAcked     EventType = "command.acked"
)

// All lists every event type, for subscribers that mirror the full stream.
func All() []EventType {
	return []EventType{
		EventSessionStarted,
		EventSessionWarmingUp,
		EventSessionRunning,
		EventSessionStopped,
		EventMasterElected,
		EventBarrierFired,
		EventDeviceStatus,
		EventCommandAcked,
	}
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers are skipped, never
// blocked on. The sends stay under the read lock so Unsubscribe cannot close
// a channel mid-send; the non-blocking select keeps the critical section
// short.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel. Closing under
// the write lock is safe: Publish only sends while holding the read lock.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
