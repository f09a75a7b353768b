package serve

import (
	"sync"

	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/metrics"
	"github.com/holon-run/shellpilot/pkg/runtime"
)

// DefaultSubscriberBuffer is how many notifications a subscriber may lag
// behind before it is dropped.
const DefaultSubscriberBuffer = 1024

// Subscriber receives notifications on C until it is unsubscribed, dropped
// for lagging, or the broadcaster closes.
type Subscriber struct {
	ch   chan Notification
	once sync.Once
}

func (s *Subscriber) C() <-chan Notification { return s.ch }

func (s *Subscriber) close() { s.once.Do(func() { close(s.ch) }) }

// Broadcaster fans runtime events out to every connected frontend.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	buffer  int
	closed  bool
	metrics *metrics.Metrics
}

func NewBroadcaster(buffer int, m *metrics.Metrics) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{subs: make(map[*Subscriber]struct{}), buffer: buffer, metrics: m}
}

// Subscribe registers a subscriber. The returned func unsubscribes it and
// is safe to call more than once. Subscribing after Close yields a
// subscriber whose channel is already closed.
func (b *Broadcaster) Subscribe() (*Subscriber, func()) {
	sub := &Subscriber{ch: make(chan Notification, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub, func() {}
	}
	b.subs[sub] = struct{}{}
	b.metrics.StreamClient(1)
	return sub, func() { b.remove(sub) }
}

func (b *Broadcaster) remove(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.close()
	b.metrics.StreamClient(-1)
}

// Len is the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers n to every subscriber without blocking. A subscriber
// whose buffer is full is dropped.
func (b *Broadcaster) Publish(n Notification) {
	var lagging []*Subscriber

	b.mu.RLock()
	for sub := range b.subs {
		select {
		case sub.ch <- n:
		default:
			lagging = append(lagging, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range lagging {
		splog.Named("serve").Warnw("dropping lagging stream subscriber", "method", n.Method)
		b.remove(sub)
	}
}

// Close closes every subscriber; later Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.close()
		b.metrics.StreamClient(-1)
	}
}

// Pump publishes every event until events is closed, then closes the
// broadcaster.
func (b *Broadcaster) Pump(events <-chan runtime.Event) {
	defer b.Close()
	for ev := range events {
		n, err := EventNotification(ev)
		if err != nil {
			splog.Named("serve").Errorw("cannot encode event", "seq", ev.Seq, "type", ev.Type, "error", err)
			continue
		}
		b.Publish(n)
	}
}
