// Package events carries change notifications between components and,
// through NATS, between server instances.
package events

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// Event is a message published on a dot-separated topic.
type Event struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Bus is an in-process publish/subscribe hub. Subscribers receive events on
// buffered channels. A subscriber whose buffer is full is evicted: its channel
// is closed, so it learns it missed events and can subscribe again, and
// publishers never block.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	dropped atomic.Int64
}

type subscription struct {
	pattern string
	ch      chan Event
}

// remove unregisters s and closes its channel. The write lock guarantees no
// Publish is sending on it.
func (b *Bus) remove(id uint64, s *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[id] != s {
		return false
	}
	delete(b.subs, id)
	close(s.ch)
	return true
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Publish delivers the event to every matching subscriber and evicts the
// subscribers that had no room for it.
func (b *Bus) Publish(_ context.Context, topic string, data []byte) error {
	ev := Event{Topic: topic, Data: data}
	var slow map[uint64]*subscription
	b.mu.RLock()
	for id, s := range b.subs {
		if !Match(s.pattern, topic) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if slow == nil {
				slow = map[uint64]*subscription{}
			}
			slow[id] = s
		}
	}
	b.mu.RUnlock()

	for id, s := range slow {
		if b.remove(id, s) {
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers interest in topics matching pattern. The returned
// cancel function unsubscribes and closes the channel. The channel is also
// closed when the subscriber falls a full buffer behind.
func (b *Bus) Subscribe(pattern string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscription{pattern: pattern, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	return s.ch, func() { b.remove(id, s) }
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many subscribers were evicted because of full buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Match reports whether topic matches pattern using NATS subject rules:
// "*" matches exactly one token and a trailing ">" matches one or more.
func Match(pattern, topic string) bool {
	pt := strings.Split(pattern, ".")
	tt := strings.Split(topic, ".")
	for i, p := range pt {
		if p == ">" && i == len(pt)-1 {
			return len(tt) > i
		}
		if i >= len(tt) {
			return false
		}
		if p != "*" && p != tt[i] {
			return false
		}
	}
	return len(pt) == len(tt)
}
