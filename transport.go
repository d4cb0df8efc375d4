package taskrelay

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Delivery is one message handed to a subscriber by a transport.
type Delivery struct {
	ID      uuid.UUID
	Topic   string
	Payload []byte
	// CreatedAt is when the message was published.
	CreatedAt time.Time
	// Attempts counts earlier failed deliveries of this message.
	Attempts int
}

// Publisher sends encoded messages to a topic or queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber registers handlers for a topic or queue. Closing the returned
// io.Closer stops further deliveries to that handler.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler DeliveryFunc) (io.Closer, error)
}

// Transport is the durable messaging collaborator. Delivery is at least once.
type Transport interface {
	Publisher
	Subscriber
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, payload []byte) error

// Publish implements Publisher.
func (fn PublisherFunc) Publish(ctx context.Context, topic string, payload []byte) error {
	return fn(ctx, topic, payload)
}
