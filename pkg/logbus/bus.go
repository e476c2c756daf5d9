package logbus

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// Bus is an in-memory ring of log records plus a fan-out to connected
// subscribers. Publish never blocks on a slow subscriber: subscribers whose
// send buffer is full are dropped rather than back-pressured.
type Bus struct {
	mu         sync.Mutex
	ring       []Record
	capacity   int
	burstSize  int
	nextID     uint64
	subs       map[string]*Subscription
	logger     arbor.ILogger
}

// NewBus creates a Bus with the given ring capacity and subscriber burst
// size (the number of recent records a new subscriber receives before
// entering live mode).
func NewBus(capacity, burstSize int, logger arbor.ILogger) *Bus {
	return &Bus{
		capacity:  capacity,
		burstSize: burstSize,
		subs:      make(map[string]*Subscription),
		logger:    logger,
	}
}

// Publish appends a record to the ring (discarding the oldest on overflow)
// and fans it out to every live subscriber. Non-blocking: a subscriber
// whose channel is full is dropped.
func (b *Bus) Publish(level Level, source, message string, data map[string]interface{}) Record {
	b.mu.Lock()
	b.nextID++
	rec := Record{
		ID:           b.nextID,
		Level:        level,
		Source:       source,
		Message:      message,
		Data:         data,
	}
	rec.TimestampUTC = time.Now().UTC()

	b.ring = append(b.ring, rec)
	if len(b.ring) > b.capacity {
		b.ring = b.ring[len(b.ring)-b.capacity:]
	}

	dead := make([]string, 0)
	for id, sub := range b.subs {
		select {
		case sub.ch <- rec:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		b.removeLocked(id)
	}
	b.mu.Unlock()

	return rec
}

// Subscription is a connected client's handle onto the Bus. Records arrive
// on Records() in publish order.
type Subscription struct {
	id   string
	ch   chan Record
	bus  *Bus
}

// Records returns the channel on which live records are delivered.
func (s *Subscription) Records() <-chan Record { return s.ch }

// Close detaches the subscription from the Bus. Idempotent.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	s.bus.removeLocked(s.id)
	s.bus.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its subscription along
// with a burst of the most recent records to replay before live mode.
func (b *Bus) Subscribe(id string) (*Subscription, []Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{id: id, ch: make(chan Record, 256), bus: b}
	b.subs[id] = sub

	n := b.burstSize
	if n > len(b.ring) {
		n = len(b.ring)
	}
	burst := make([]Record, n)
	copy(burst, b.ring[len(b.ring)-n:])

	return sub, burst
}

func (b *Bus) removeLocked(id string) {
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// CloseAll detaches every subscriber, used during graceful shutdown so the
// Log Bus closes connections with a normal-closure signal.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.subs {
		b.removeLocked(id)
	}
}

// SubscriberCount reports the number of live subscribers, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
