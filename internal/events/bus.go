// Package events carries notable state transitions (pairing results,
// discovery matches, session lifecycle) from the core to whoever is
// listening, usually the operator console.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/cskr/pubsub/v2"
)

// Topic groups notifications by the component that produced them
type Topic string

const (
	TopicPairing   Topic = "pairing"
	TopicDiscovery Topic = "discovery"
	TopicSession   Topic = "session"
	TopicStack     Topic = "stack"
)

// AllTopics lists every topic, for subscribers that want everything
var AllTopics = []Topic{TopicPairing, TopicDiscovery, TopicSession, TopicStack}

// Notification is one published transition
type Notification struct {
	Topic     Topic     `json:"topic"`
	Kind      string    `json:"kind"`
	Address   string    `json:"address,omitempty"`
	Handle    uint32    `json:"handle,omitempty"`
	Message   string    `json:"message,omitempty"`
	Err       error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

func (n Notification) String() string {
	s := fmt.Sprintf("[%s] %s", n.Topic, n.Kind)
	if n.Address != "" {
		s += " " + n.Address
	}
	if n.Handle != 0 {
		s += fmt.Sprintf(" handle=%d", n.Handle)
	}
	if n.Message != "" {
		s += ": " + n.Message
	}
	if n.Err != nil {
		s += fmt.Sprintf(" (%v)", n.Err)
	}
	return s
}

// Publisher accepts notifications. Publish must never block.
type Publisher interface {
	Publish(n Notification)
}

// Publish sends n to p, stamping the time. A nil publisher discards.
func Publish(p Publisher, n Notification) {
	if p == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	p.Publish(n)
}

// Bus is a topic based publisher backed by cskr/pubsub.
// Slow subscribers lose notifications instead of stalling publishers.
type Bus struct {
	ps     *pubsub.PubSub[Topic, Notification]
	mu     sync.Mutex
	closed bool
}

// NewBus creates a bus whose subscriber channels buffer capacity notifications
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 16
	}
	return &Bus{ps: pubsub.New[Topic, Notification](capacity)}
}

// Publish implements Publisher
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ps.TryPub(n, n.Topic)
}

// Subscribe returns a channel receiving notifications on the given topics,
// or on every topic when none are given. The channel is closed by
// Unsubscribe or Close.
func (b *Bus) Subscribe(topics ...Topic) chan Notification {
	if len(topics) == 0 {
		topics = AllTopics
	}
	return b.ps.Sub(topics...)
}

// Unsubscribe detaches ch from every topic
func (b *Bus) Unsubscribe(ch chan Notification) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	go b.ps.Unsub(ch)
}

// Close shuts the bus down, closing all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}
