// Package bus provides the in-process pub/sub channel that carries task
// change notifications from the store to live stream subscribers.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Orchestration event topics.
const (
	TopicTaskChanged    = "task.changed"
	TopicTaskDispatched = "task.dispatched"
	TopicBudgetPaused   = "budget.paused"
	TopicZombieFlagged  = "zombie.flagged"
)

// TaskChangeEvent is published on every task status mutation.
type TaskChangeEvent struct {
	TaskID    string `json:"task_id"`
	Title     string `json:"title"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	AgentID   string `json:"agent_id,omitempty"`
	Project   string `json:"project,omitempty"`
	EventType string `json:"event_type"`
}

// BudgetPausedEvent is published when an agent is auto-paused on a breach.
type BudgetPausedEvent struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// ZombieFlaggedEvent is published when a session is flagged as suspected.
type ZombieFlaggedEvent struct {
	SessionKey string `json:"session_key"`
	AgentID    string `json:"agent_id,omitempty"`
	Heuristic  string `json:"heuristic"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send), and the sweep reconciler covers the loss.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers and returns the number
// of subscribers the event was actually handed to. Delivery is non-blocking:
// a subscriber with a full buffer does not count as delivered.
func (b *Bus) Publish(topic string, payload interface{}) int {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
				delivered++
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
	return delivered
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
