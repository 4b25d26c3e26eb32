// Package eventbus is an in-process, synchronous publish/subscribe hub.
//
// Publish delivers to subscribers in registration order on the caller's
// goroutine. A panicking handler is isolated: it is logged, reported to the
// optional panic hook and delivery continues with the next subscriber.
package eventbus

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Handler receives the topic and payload of a published event.
type Handler func(topic string, payload any)

// PanicHook is called after a handler panic has been recovered.
type PanicHook func(topic string, recovered any)

// Bus routes payloads to handlers by topic name.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	nextID  atomic.Uint64
	onPanic atomic.Pointer[PanicHook]

	published atomic.Uint64
	panics    atomic.Uint64
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus     *Bus
	topic   string
	id      uint64
	handler Handler
	active  atomic.Bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// OnHandlerPanic installs a hook for recovered handler panics.
func (b *Bus) OnHandlerPanic(fn PanicHook) {
	if fn == nil {
		b.onPanic.Store(nil)
		return
	}
	b.onPanic.Store(&fn)
}

// Subscribe registers handler for topic. Subscribing from inside a handler
// only affects later publishes.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	sub := &Subscription{
		bus:     b,
		topic:   topic,
		id:      b.nextID.Add(1),
		handler: handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	// Copy on write so in-flight snapshots stay untouched.
	cur := b.subs[topic]
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[topic] = append(next, sub)
	b.mu.Unlock()

	return sub
}

// SubscribeTyped registers fn for payloads of type T on topic. Payloads of any
// other type are ignored.
func SubscribeTyped[T any](b *Bus, topic string, fn func(T)) *Subscription {
	return b.Subscribe(topic, func(_ string, payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	})
}

// Publish delivers payload to every active subscriber of topic and returns the
// number of handlers invoked.
func (b *Bus) Publish(topic string, payload any) int {
	b.mu.RLock()
	snapshot := b.subs[topic]
	b.mu.RUnlock()

	b.published.Add(1)

	delivered := 0
	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, topic, payload)
		delivered++
	}
	return delivered
}

// PublishMany delivers one payload to the subscribers of several topics as a
// single dispatch. Handlers run in registration order across all topics and
// each receives the topic it subscribed to. Repeated topics are delivered
// once.
func (b *Bus) PublishMany(topics []string, payload any) int {
	var merged []*Subscription
	b.mu.RLock()
	for i, topic := range topics {
		if slices.Contains(topics[:i], topic) {
			continue
		}
		merged = append(merged, b.subs[topic]...)
	}
	b.mu.RUnlock()

	b.published.Add(1)

	slices.SortFunc(merged, func(x, y *Subscription) int { return cmp.Compare(x.id, y.id) })

	delivered := 0
	for _, sub := range merged {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, sub.topic, payload)
		delivered++
	}
	return delivered
}

func (b *Bus) invoke(sub *Subscription, topic string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			slog.Error("[EventBus] Handler panicked",
				"topic", topic,
				"subscription", sub.id,
				"panic", fmt.Sprint(r))
			if hook := b.onPanic.Load(); hook != nil {
				(*hook)(topic, r)
			}
		}
	}()
	sub.handler(topic, payload)
}

// SubscriberCount returns the number of active subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Topics        int    `json:"topics"`
	Subscriptions int    `json:"subscriptions"`
	Published     uint64 `json:"published"`
	Panics        uint64 `json:"handler_panics"`
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Topics:    len(b.subs),
		Published: b.published.Load(),
		Panics:    b.panics.Load(),
	}
	for _, s := range b.subs {
		st.Subscriptions += len(s)
	}
	return st
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// Unsubscribe stops delivery. Once it returns the handler is not invoked for
// any later dispatch step, including the remainder of a publish in progress.
// Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.subs[s.topic]
	next := make([]*Subscription, 0, len(cur))
	for _, other := range cur {
		if other.id != s.id {
			next = append(next, other)
		}
	}
	if len(next) == 0 {
		delete(b.subs, s.topic)
		return
	}
	b.subs[s.topic] = next
}
