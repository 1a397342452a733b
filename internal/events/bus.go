// Package events fans lifecycle and attendance events out to live
// observers. Delivery is best-effort: a dashboard that misses an event
// resynchronizes on its next state fetch, so nothing here retries.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Topic names. Session topics carry token rotations and lifecycle changes;
// dashboard topics carry aggregate count changes for a class.
func SessionTopic(sessionID string) string { return "session:" + sessionID }
func DashboardTopic(classID string) string { return "dashboard:" + classID }

// Event is the wire shape published on every topic.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	ClassID   string          `json:"class_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Bus publishes events to interested observers.
type Bus interface {
	Publish(ctx context.Context, topic string, evt Event) error
}

// RedisBus publishes over Redis pub/sub; the websocket hub bridges the
// channels to browser connections.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, data).Err()
}

// MemoryBus is an in-process bus for tests and single-node dev runs.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]chan Event
	log  []PublishedEvent
}

// PublishedEvent records one publish for assertions.
type PublishedEvent struct {
	Topic string
	Event Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Event)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, evt Event) error {
	b.mu.Lock()
	b.log = append(b.log, PublishedEvent{Topic: topic, Event: evt})
	subs := append([]chan Event(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			log.Printf("events: dropping event %s on slow subscriber of %s", evt.Type, topic)
		}
	}
	return nil
}

// Subscribe returns a buffered channel of events for a topic.
func (b *MemoryBus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Published returns a copy of everything published so far.
func (b *MemoryBus) Published() []PublishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PublishedEvent(nil), b.log...)
}

// Marshal is a small helper for event payloads; marshal failures are
// programmer errors and reported as empty payloads.
func Marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("events: marshal payload: %v", err)
		return nil
	}
	return data
}
