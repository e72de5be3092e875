package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// Bus is the process-wide typed broadcaster between chasers and peer
// protocol workers. It is initialized at startup and torn down at
// shutdown — there is no hidden package-level singleton.
//
// Each Subscription gets its own unbounded delivery queue and dispatch
// goroutine so that one slow subscriber can never block another, and the
// bus never runs subscriber code inline.
type Bus struct {
	subscriberCounter uint64

	mu          sync.RWMutex
	subscribers map[uint64]*Subscription

	wg sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool
}

// Subscription delivers Events to a single subscriber's own strand, in the
// order the Bus received them from any one source.
type Subscription struct {
	id     uint64
	bus    *Bus
	events *queue.ConcurrentQueue
	quit   chan struct{}
	once   sync.Once
}

// New returns a Bus ready to accept subscriptions.
func New() *Bus {
	return &Bus{
		subscribers: make(map[uint64]*Subscription),
	}
}

// Start marks the bus as accepting Publish calls. Subscribing before Start
// is fine; publishing before Start is a no-op.
func (b *Bus) Start() {
	b.started.Store(true)
}

// Subscribe registers a new Subscription. The caller drains Updates() on
// its own strand and must call Unsubscribe when done.
func (b *Bus) Subscribe() *Subscription {
	id := atomic.AddUint64(&b.subscriberCounter, 1)

	sub := &Subscription{
		id:     id,
		bus:    b,
		events: queue.NewConcurrentQueue(20),
		quit:   make(chan struct{}),
	}
	sub.events.Start()

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return sub
}

// Updates returns the channel of Events this subscription receives, in the
// order any single source published them.
func (s *Subscription) Updates() <-chan interface{} {
	return s.events.ChanOut()
}

// Quit is closed when the bus drops this subscription (e.g. on Bus.Stop).
func (s *Subscription) Quit() <-chan struct{} {
	return s.quit
}

// Unsubscribe stops delivery to this subscription.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s.id)
		s.bus.mu.Unlock()

		close(s.quit)
		s.events.Stop()
	})
}

// Publish broadcasts an Event to every current subscriber. Events emitted
// by the same source are delivered in order to each subscriber (each
// Subscription's queue preserves FIFO order); events from
// different sources racing into Publish concurrently are not globally
// ordered relative to each other. Delivery is at-least-once for the
// process's lifetime — a subscriber that is slow to drain simply queues up.
func (b *Bus) Publish(evt Event) {
	if !b.started.Load() || b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case <-sub.quit:
			continue
		default:
		}

		select {
		case sub.events.ChanIn() <- evt:
		case <-sub.quit:
		}
	}
}

// Stop tears down the bus: every subscription's Quit channel is closed and
// no further events are delivered. Mirrors the global `stop` event's effect
// on chasers clearing their trees and exiting their strand.
func (b *Bus) Stop() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[uint64]*Subscription)
	b.mu.Unlock()

	log.Debugf("Event bus stopped, dropping %d subscriptions", len(subs))

	for _, sub := range subs {
		sub.once.Do(func() {
			close(sub.quit)
			sub.events.Stop()
		})
	}
}
