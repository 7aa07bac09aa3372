// ABOUTME: In-process event bus fanning domain events out to subscribers over bounded queues.
// ABOUTME: Critical subscribers block the publisher when full; others drop the event and log it.
package runtime

import (
	"log"
	"sync"

	"github.com/dipeo/dipeo/state"
)

// defaultQueueSize is the per-subscriber buffer when none is given.
const defaultQueueSize = 256

// Subscription is one consumer's attachment to the bus.
type Subscription struct {
	name     string
	critical bool
	ch       chan state.Event
	done     chan struct{}
	once     sync.Once
	bus      *Bus
}

// Events returns the subscriber's event channel. It closes on Unsubscribe or
// bus close; events still buffered at that point are discarded.
func (s *Subscription) Events() <-chan state.Event {
	return s.ch
}

// Unsubscribe detaches the subscription from the bus and closes its event
// channel, so consumers ranging over Events exit. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		// Closing done first releases any publisher blocked on this queue,
		// which in turn frees the bus lock remove needs.
		close(s.done)
		if s.bus != nil {
			s.bus.remove(s)
		}
	})
}

// Bus fans events out to subscribers. Each subscriber has its own queue so a
// slow consumer cannot stall the others; only critical ones may stall the
// publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]bool
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]bool)}
}

// Subscribe attaches a consumer. Critical subscribers are guaranteed delivery:
// a full queue blocks Publish until space frees. Non-critical subscribers lose
// events when their queue is full.
func (b *Bus) Subscribe(name string, critical bool, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sub := &Subscription{
		name:     name,
		critical: critical,
		ch:       make(chan state.Event, queueSize),
		done:     make(chan struct{}),
		bus:      b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.bus = nil
		return sub
	}
	b.subs[sub] = true
	return sub
}

// Publish delivers an event to every subscriber. Delivery runs under the read
// lock; channels close only under the write lock, so a send never races a
// close.
func (b *Bus) Publish(event state.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case <-sub.done:
			continue
		default:
		}

		if sub.critical {
			select {
			case sub.ch <- event:
			case <-sub.done:
			}
			continue
		}

		select {
		case sub.ch <- event:
		default:
			log.Printf("bus: dropping %s event for slow subscriber %q (exec %s)",
				event.Type, sub.name, event.Scope.ExecutionID)
		}
	}
}

// remove detaches a subscription and closes its channel.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Close detaches every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
