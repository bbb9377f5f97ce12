// Package events provides a pub/sub event bus for automation and nudge events.
// Used for logging, metrics and outbound webhooks.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies engine events.
type EventType string

const (
	RuleFired         EventType = "automation.rule.fired"
	RuleFailed        EventType = "automation.rule.failed"
	RuleCompleted     EventType = "automation.rule.completed"
	RuleSetUpdated    EventType = "automation.ruleset.updated"
	NudgeSent         EventType = "nudge.sent"
	NudgeEscalated    EventType = "nudge.escalated"
	NudgePolicyChange EventType = "nudge.policy.changed"
)

// Event represents an engine event.
type Event struct {
	Type      EventType   `json:"type"`
	Scope     string      `json:"scope,omitempty"`
	RuleID    string      `json:"rule_id,omitempty"`
	Summary   string      `json:"summary"`
	Detail    interface{} `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(evt Event)
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the returned id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
