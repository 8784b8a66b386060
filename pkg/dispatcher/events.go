package dispatcher

import (
	"sync"
	"sync/atomic"

	"github.com/jdziat/priority-jobs/pkg/core"
)

// Broker fans lifecycle events out to subscribers.
//
// Delivery is at-most-once, in-memory and non-replayable: an event published
// while a subscriber's buffer is full is dropped for that subscriber, and a
// subscriber only sees events published after it subscribed. Publish never
// blocks, so no job transition waits on a slow consumer.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	bufferSize int

	published atomic.Int64
	dropped   atomic.Int64
}

// BrokerStats reports delivery counters.
type BrokerStats struct {
	Subscribers int
	Published   int64
	Dropped     int64
}

// NewBroker creates a broker whose subscriptions buffer bufferSize events by default.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBuffer
	}
	return &Broker{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// SubscribeOption narrows or sizes a subscription.
type SubscribeOption func(*Subscription)

// ForQueues only delivers events of the named queues.
func ForQueues(names ...string) SubscribeOption {
	return func(s *Subscription) {
		if s.queues == nil {
			s.queues = make(map[string]bool, len(names))
		}
		for _, n := range names {
			s.queues[n] = true
		}
	}
}

// ForKinds only delivers events of the given kinds.
func ForKinds(kinds ...core.EventKind) SubscribeOption {
	return func(s *Subscription) {
		if s.kinds == nil {
			s.kinds = make(map[core.EventKind]bool, len(kinds))
		}
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
}

// BufferSize overrides the broker's default buffer for this subscription.
func BufferSize(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.size = n
		}
	}
}

// Subscription is one consumer's view of the event stream.
type Subscription struct {
	id     uint64
	broker *Broker
	ch     chan core.Event
	size   int
	queues map[string]bool
	kinds  map[core.EventKind]bool

	dropped atomic.Int64
	once    sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan core.Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		close(s.ch)
		s.broker.mu.Unlock()
	})
}

func (s *Subscription) wants(e core.Event) bool {
	if s.queues != nil && !s.queues[e.QueueName()] {
		return false
	}
	if s.kinds != nil && !s.kinds[e.Kind()] {
		return false
	}
	return true
}

// Subscribe registers a new subscription.
func (b *Broker) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{broker: b, size: b.bufferSize}
	for _, opt := range opts {
		opt(s)
	}
	s.ch = make(chan core.Event, s.size)

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Broker) Publish(e core.Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Stats returns delivery counters.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BrokerStats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close closes every subscription.
func (b *Broker) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.Close()
	}
}
