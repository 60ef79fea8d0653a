// Package bus provides the event intake bus that feeds producer log events
// into the broadcast hub. Implementations: in-process memory, Kafka, and
// Redis Streams.
package bus

import (
	"context"

	"github.com/ricesearch/logstream/internal/logevent"
)

// Event is the record carried on the bus.
type Event = logevent.Event

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe registers a handler for events on a topic. Events are
	// delivered to one handler in publish order. The subscription ends when
	// ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// TopicLogEvent is the default topic for producer log events.
const TopicLogEvent = "logstream.events"
