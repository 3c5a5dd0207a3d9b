// Package event is the keyspace notification bus. Every successful
// mutating operation publishes exactly one event, tagged with the key
// and the operation kind, for notification and replication consumers.
package event

import "sync"

// Kind names the mutating operation behind an event.
type Kind string

const (
	KindCreate     Kind = "create"
	KindAlter      Kind = "alter"
	KindAdd        Kind = "add"
	KindIncrBy     Kind = "incrby"
	KindDelete     Kind = "delete"
	KindDelRange   Kind = "delrange"
	KindRuleCreate Kind = "rule.create"
	KindRuleDelete Kind = "rule.delete"
)

// Event is one keyspace change.
type Event struct {
	Kind      Kind   `json:"kind"`
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// subscriber buffers this many events before the bus starts dropping
// for that subscriber. Slow consumers lose events rather than block
// ingest.
const subscriberBuffer = 256

// Bus fans events out to subscribers. The zero value is not usable;
// call NewBus.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer. The returned cancel func must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// NumSubscribers reports the current subscriber count.
func (b *Bus) NumSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
