package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Subscription receives events on C until it is unsubscribed or the bus
// is closed, at which point C is closed.
type Subscription struct {
	C  <-chan Event
	ch chan Event
	id uint64
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	dropped uint64
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber with the given channel buffer
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, id: b.nextID}
	b.nextID++

	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers e to every subscriber with buffer room
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			atomic.AddUint64(&b.dropped, 1)
			b.logger.Debug("Event dropped for slow subscriber",
				zap.String("event_type", string(e.Type)),
				zap.Uint64("subscriber", sub.id))
		}
	}
}

// Dropped returns how many deliveries were skipped
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Close closes every subscription; later publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
