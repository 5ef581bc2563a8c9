// Package broadcast implements the bounded multi-producer, multi-consumer
// fan-out bus: a side-channel that announces every dispatched MessageFrame
// to external subscribers without ever blocking a producer.
package broadcast

import (
	"sync"

	"wsquic/internal/wire/message"
)

// Capacity is the bus's per-subscriber queue depth.
const Capacity = 1000

// Bus fans out MessageFrames to any number of subscribers. Publish never
// blocks: a subscriber whose queue is full has its eldest frame dropped to
// make room, so a slow consumer lags silently instead of stalling the
// server.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan *message.MessageFrame
	nextID      int
	drops       func()
}

// New creates an empty Bus. onDrop, if non-nil, is invoked once per dropped
// frame for metrics instrumentation.
func New(onDrop func()) *Bus {
	return &Bus{
		subscribers: make(map[int]chan *message.MessageFrame),
		drops:       onDrop,
	}
}

// Subscription is a handle returned by Subscribe; call Unsubscribe when the
// consumer is done listening.
type Subscription struct {
	id   int
	bus  *Bus
	Chan <-chan *message.MessageFrame
}

// Subscribe registers a new consumer and returns a channel of frames
// published after this call.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *message.MessageFrame, Capacity)
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	return &Subscription{id: id, bus: b, Chan: ch}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	ch, ok := b.subscribers[sub.id]
	delete(b.subscribers, sub.id)
	b.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Publish announces f to every current subscriber. If a subscriber's queue
// is full, Publish drops the oldest queued frame for that subscriber only
// and enqueues f in its place; it never blocks waiting for a consumer.
func (b *Bus) Publish(f *message.MessageFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- f:
		default:
			select {
			case <-ch:
				if b.drops != nil {
					b.drops()
				}
			default:
			}
			select {
			case ch <- f:
			default:
				if b.drops != nil {
					b.drops()
				}
			}
		}
	}
}

// SubscriberCount returns the current number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
