// Package events is the typed publish/subscribe channel that carries the
// console's signals between components.
//
// Delivery is non-blocking: a subscriber whose buffer is full misses the
// event and the bus counts it as dropped.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic names a signal class.
type Topic string

const (
	TopicIdentityStoreChanged Topic = "identity-store-changed" // store changed in another console process
	TopicResyncRequested      Topic = "resync-requested"       // re-check now (moderation, login, logout)
	TopicRemoteAuthChanged    Topic = "remote-auth-changed"    // pushed by the remote auth provider
	TopicToastPublished       Topic = "toast-published"        // operator-visible notification
)

// Severity of a toast notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Toast is the payload of TopicToastPublished.
type Toast struct {
	Title    string   `json:"title,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Event is one published signal.
type Event struct {
	Topic       Topic
	Origin      string // publisher identity, e.g. a process id on bridged events
	IdentityRef string // identity affected, when known
	Toast       *Toast
	At          time.Time
}

// DefaultBuffer is the per-subscription queue length used by New(0).
const DefaultBuffer = 16

// Bus fans events out to subscriptions by topic.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic]map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

// New creates a bus whose subscriptions buffer up to buffer events.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[Topic]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription receives events for the topics it was created with.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	bus    *Bus
	topics []Topic
	once   sync.Once
}

// Subscribe registers interest in one or more topics.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b, topics: topics}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		set, ok := b.subs[t]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.subs[t] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// Publish delivers ev to every current subscriber of ev.Topic without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions for a topic.
func (b *Bus) Subscribers(t Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Close unregisters the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for _, t := range s.topics {
			delete(s.bus.subs[t], s)
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
