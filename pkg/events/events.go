package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capstack/capman/pkg/metrics"
)

// EventType represents the type of event
type EventType string

const (
	EventPluginStored       EventType = "plugin.stored"
	EventPluginDeleted      EventType = "plugin.deleted"
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionFinished  EventType = "execution.finished"
	EventExecutionFailed    EventType = "execution.failed"
	EventContainerStarted   EventType = "container.started"
	EventContainerStopped   EventType = "container.stopped"
	EventContainerUnhealthy EventType = "container.unhealthy"
	EventPlanCached         EventType = "plan.cached"
	EventPluginSynthesized  EventType = "plugin.synthesized"
)

// Event is one observability signal. ID and Timestamp are stamped by
// Publish when absent.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// subscriptionBuffer is the per-subscription channel capacity. A consumer
// that lags further than this loses events; losses are counted per
// subscription, never blocked on.
const subscriptionBuffer = 64

// Subscription is one consumer's view of the event stream
type Subscription struct {
	name string
	ch   chan *Event
}

// Events is the channel the subscriber drains. It closes when the
// subscription is cancelled or the broker shuts down.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Broker fans events out to named subscriptions. Publishing is
// synchronous and non-blocking: delivery happens on the publisher's
// goroutine, and a full subscription drops the event rather than stalling
// the execution path that emitted it.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroker creates an event broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a named consumer. The name labels the drop counter
// so a lagging consumer is attributable.
func (b *Broker) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name: name,
		ch:   make(chan *Event, subscriptionBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe cancels a subscription and closes its channel
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish stamps and delivers an event to every subscription. Safe to call
// from any goroutine; after Close it is a no-op.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			metrics.EventsDropped.WithLabelValues(sub.name).Inc()
		}
	}
}

// Close shuts the broker down and closes every subscription channel
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}

// SubscriberCount returns the number of active subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
