package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/logger"
)

const (
	defaultQueueSize    = 1024
	defaultDrainTimeout = 10 * time.Second
)

// MemoryBus is an in-memory event bus using Go channels. Each subscriber
// owns a queue and a worker goroutine, so a slow handler delays only itself
// and sees events in publish order.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      map[string][]*memorySub
	closed    bool
	queueSize int
	log       *logger.Logger

	workers  sync.WaitGroup
	inflight atomic.Int64
}

type memorySub struct {
	topic   string
	handler Handler
	queue   chan Event
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the logger used for handler errors.
func WithLogger(log *logger.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if log != nil {
			b.log = log
		}
	}
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		subs:      make(map[string][]*memorySub),
		queueSize: defaultQueueSize,
		log:       logger.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithComponent("bus.memory")
	return b
}

// Publish enqueues an event for every subscriber of a topic. It blocks while
// a subscriber queue is full, until ctx is done.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.queue <- event:
			b.inflight.Add(1)
		case <-sub.done:
			// Subscriber is going away; skip it.
		case <-ctx.Done():
			return errors.Wrap(errors.CodeTimeout, "publish cancelled", ctx.Err())
		}
	}

	return nil
}

// Subscribe registers a handler for events on a topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	sub := &memorySub{
		topic:   topic,
		handler: handler,
		queue:   make(chan Event, b.queueSize),
		done:    make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.workers.Add(1)
	go b.run(sub)

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(sub)
		case <-sub.done:
		}
	}()

	return nil
}

func (b *MemoryBus) run(sub *memorySub) {
	defer b.workers.Done()
	for {
		select {
		case ev := <-sub.queue:
			b.deliver(sub, ev)
		case <-sub.done:
			// Drain what was already accepted.
			for {
				select {
				case ev := <-sub.queue:
					b.deliver(sub, ev)
				default:
					return
				}
			}
		}
	}
}

func (b *MemoryBus) deliver(sub *memorySub, ev Event) {
	defer b.inflight.Add(-1)
	if err := sub.handler(context.Background(), ev); err != nil {
		b.log.Warn("handler error", "topic", sub.topic, "event_id", ev.ID, "error", err)
	}
}

func (b *MemoryBus) unsubscribe(target *memorySub) {
	b.mu.Lock()
	subs := b.subs[target.topic]
	for i, s := range subs {
		if s == target {
			b.subs[target.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[target.topic]) == 0 {
		delete(b.subs, target.topic)
	}
	b.mu.Unlock()
	target.stop()
}

// Close closes the bus, waiting for queued events to be handled.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.stop()
		}
	}

	if !b.DrainTimeout(defaultDrainTimeout) {
		b.log.Warn("event drain timeout reached, some handlers may not have completed",
			"in_flight", b.InFlightCount())
	}
	return nil
}

// DrainTimeout waits for subscriber workers to finish with a custom timeout.
func (b *MemoryBus) DrainTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// InFlightCount returns the number of events queued or being handled.
func (b *MemoryBus) InFlightCount() int64 {
	return b.inflight.Load()
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
