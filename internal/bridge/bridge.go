// Package bridge implements the Admin Event Bridge (§4.L): a topic-based
// pub/sub broker that multiplexes job and connection lifecycle events to
// admin observers (the HTTP surface's SSE stream, CLI watchers) without
// coupling publishers to who, if anyone, is listening.
//
// # Design: single-writer event loop
//
// Subscriber registration and removal are serialised through one goroutine
// (Run) via channels, the same shape as a GUI pub/sub hub. Publish only ever
// takes a read-lock to copy the target set before sending, so a slow
// subscriber can never stall the publisher.
//
// # Topic format
//
//	job:<id>          — lifecycle events for a specific job
//	connection:<id>   — lifecycle events for a specific worker connection
//	discovery         — fan-out summaries
package bridge

import (
	"context"
	"sync"
	"time"
)

// Event is the envelope delivered to every subscriber of a topic.
type Event struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// subscriber is a registered observer and the topics it cares about.
type subscriber struct {
	id     uint64
	topics map[string]struct{}
	send   chan Event
}

// Bridge is the admin event multiplexer.
type Bridge struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	byTopic     map[string]map[uint64]*subscriber

	register   chan *subscriber
	unregister chan uint64

	nextID uint64
	idMu   sync.Mutex

	stopped chan struct{}
}

// New creates an idle Bridge. Call Run in a goroutine to start it.
func New() *Bridge {
	return &Bridge{
		subscribers: make(map[uint64]*subscriber),
		byTopic:     make(map[string]map[uint64]*subscriber),
		register:    make(chan *subscriber, 16),
		unregister:  make(chan uint64, 16),
		stopped:     make(chan struct{}),
	}
}

// Run starts the bridge's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.stopped)
	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			b.subscribers[sub.id] = sub
			for topic := range sub.topics {
				if b.byTopic[topic] == nil {
					b.byTopic[topic] = make(map[uint64]*subscriber)
				}
				b.byTopic[topic][sub.id] = sub
			}
			b.mu.Unlock()

		case id := <-b.unregister:
			b.mu.Lock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				for topic := range sub.topics {
					delete(b.byTopic[topic], id)
					if len(b.byTopic[topic]) == 0 {
						delete(b.byTopic, topic)
					}
				}
				close(sub.send)
			}
			b.mu.Unlock()

		case <-ctx.Done():
			b.mu.Lock()
			for _, sub := range b.subscribers {
				close(sub.send)
			}
			b.subscribers = make(map[uint64]*subscriber)
			b.byTopic = make(map[string]map[uint64]*subscriber)
			b.mu.Unlock()
			return
		}
	}
}

// Publish delivers payload to every subscriber of topic. Safe to call from
// any goroutine (job service, discovery handler, connection pool). It
// satisfies jobs.EventBridge.
func (b *Bridge) Publish(topic string, payload any) {
	b.PublishAt(topic, payload, time.Now())
}

// PublishAt is Publish with an explicit timestamp, for deterministic tests.
func (b *Bridge) PublishAt(topic string, payload any, now time.Time) {
	b.mu.RLock()
	targets := b.byTopic[topic]
	subs := make([]*subscriber, 0, len(targets))
	for _, s := range targets {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload, Timestamp: now}
	for _, s := range subs {
		select {
		case s.send <- ev:
		default:
			// Slow subscriber — drop it rather than block the publisher.
			select {
			case b.unregister <- s.id:
			default:
			}
		}
	}
}

// Subscription is a handle returned by Subscribe. Call Close when the
// observer disconnects.
type Subscription struct {
	id     uint64
	events chan Event
	bridge *Bridge
}

// Events returns the channel of delivered events.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close unregisters the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	select {
	case s.bridge.unregister <- s.id:
	default:
	}
}

// Subscribe registers a new observer for the given topics and returns a
// handle to read events from and close when done.
func (b *Bridge) Subscribe(topics ...string) *Subscription {
	b.idMu.Lock()
	b.nextID++
	id := b.nextID
	b.idMu.Unlock()

	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	sub := &subscriber{id: id, topics: set, send: make(chan Event, 32)}
	b.register <- sub
	return &Subscription{id: id, events: sub.send, bridge: b}
}

// SubscriberCount returns the current number of registered observers.
// Intended for metrics and health endpoints.
func (b *Bridge) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
