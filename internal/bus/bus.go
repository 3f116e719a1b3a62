package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Subscriber channels hold this many events before delivery starts dropping.
const subscriberBuffer = 100

// Event is a single published message.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is a live subscriber. Receive from Ch until Unsubscribe
// closes it.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the receive channel for this subscription.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fans events out to subscribers by topic prefix. Publish never
// blocks: a subscriber that falls more than subscriberBuffer events
// behind loses the overflow.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber for every topic starting with prefix.
// The empty prefix matches everything.
func (b *Bus) Subscribe(prefix string) *Subscription {
	sub := &Subscription{
		prefix: prefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers the event to every matching subscriber without
// blocking the caller.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
