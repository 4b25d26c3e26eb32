package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sebas/callplane/internal/eventbus"
)

// Recorder copies bus events into a buffered channel. Events are dropped
// with a warning when the buffer is full so publishers never block.
type Recorder struct {
	mu      sync.RWMutex
	ch      chan any
	subs    []*eventbus.Subscription
	closed  bool
	dropped atomic.Int64
}

// NewRecorder subscribes to topics on bus.
func NewRecorder(bus *eventbus.Bus, bufferSize int, topics ...EventType) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	r := &Recorder{ch: make(chan any, bufferSize)}
	for _, t := range topics {
		r.subs = append(r.subs, bus.Subscribe(string(t), r.handle))
	}
	return r
}

func (r *Recorder) handle(topic string, payload any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.ch <- payload:
	default:
		r.dropped.Add(1)
		slog.Warn("[Events] Recorder buffer full, event dropped", "topic", topic)
	}
}

// Events returns the channel for consuming events.
func (r *Recorder) Events() <-chan any {
	return r.ch
}

// Next waits for the next recorded event.
func (r *Recorder) Next(ctx context.Context) (any, error) {
	select {
	case ev, ok := <-r.ch:
		if !ok {
			return nil, context.Canceled
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DroppedCount returns the number of events dropped due to buffer overflow.
func (r *Recorder) DroppedCount() int64 {
	return r.dropped.Load()
}

// Close unsubscribes and closes the channel.
func (r *Recorder) Close() {
	for _, s := range r.subs {
		s.Unsubscribe()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}

// LogTopics logs every event on the given topics at debug level and returns
// the subscriptions.
func LogTopics(bus *eventbus.Bus, logger *slog.Logger, topics ...EventType) []*eventbus.Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	subs := make([]*eventbus.Subscription, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, bus.Subscribe(string(t), func(topic string, payload any) {
			attrs := []any{"topic", topic}
			switch ev := payload.(type) {
			case *CallStateChanged:
				attrs = append(attrs, "call_id", ev.CallID, "from", ev.From, "to", ev.To, "seq", ev.Seq)
				if ev.Cause != "" {
					attrs = append(attrs, "cause", ev.Cause)
				}
			case *ConnectionStateChanged:
				attrs = append(attrs, "uri", ev.URI, "from", ev.From, "to", ev.To, "retries", ev.Retries)
			case *RecoveryExhausted:
				attrs = append(attrs, "uri", ev.URI, "attempts", ev.Attempts)
			case Event:
				attrs = append(attrs, "type", ev.Type())
			}
			logger.Debug("[Events] Published", attrs...)
		}))
	}
	return subs
}
