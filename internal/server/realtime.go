package server

import (
	"context"
	"sync"
	"time"
)

const (
	// TopicEvents carries notification, connection and cart events.
	TopicEvents = "events"

	EventNotification = "notification"
	EventConnection   = "connection"
	EventCart         = "cart"
	eventHeartbeat    = "heartbeat"
	eventSource       = "marketsync"
)

// StreamMessage is one event fanned out to the /events stream.
type StreamMessage struct {
	Topic     string
	EventType string
	IDs       []string
	Data      map[string]any
	Timestamp time.Time
}

// EventDispatcher fans client-side events (notification pushes, realtime connection state,
// cart count changes) out to server-sent-event subscribers by topic. Slow subscribers miss
// messages rather than block publishers.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*streamSubscriber
	nextID      int64
	bufferSize  int
}

type streamSubscriber struct {
	id     int64
	stream chan StreamMessage
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*streamSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a subscriber for topic until ctx ends or cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context, topic string) (<-chan StreamMessage, func()) {
	if topic == "" {
		ch := make(chan StreamMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &streamSubscriber{
		id:     d.nextSequence(),
		stream: make(chan StreamMessage, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(topic, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber of its topic.
func (d *EventDispatcher) Publish(message StreamMessage) {
	if message.Topic == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*streamSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribers counts the subscribers of topic.
func (d *EventDispatcher) Subscribers(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(topic string, subscriber *streamSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*streamSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
