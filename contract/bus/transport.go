package bus

import "context"

// Message is the broker envelope produced by the publisher.
type Message struct {
	Exchange    string
	RoutingKey  string
	MessageID   string
	ContentType string
	Persistent  bool
	// Mandatory asks the broker to return the message when no queue is bound for the routing key.
	Mandatory bool
	Headers   map[string]string
	Body      []byte
}

// Delivery is a single message handed to the consumer by a Receiver.
// Ack must be called exactly once.
type Delivery interface {
	RoutingKey() string
	MessageID() string
	Headers() map[string]string
	Body() []byte
	Ack() error
}

// DeliveryFunc processes one delivery. Receivers may call it concurrently.
type DeliveryFunc func(ctx context.Context, d Delivery)

// Subscription describes the queue topology the consumer needs. Declaring it is idempotent.
type Subscription struct {
	Queue       string
	Exchange    string
	RoutingKeys []string
	// OnReady, when set, is called once the bindings are in place and deliveries may flow.
	OnReady func()
}

// Sender sends one message. Transient failures must be reported wrapping errors.ErrTransport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Receiver binds a subscription and feeds deliveries to fn until ctx is done or the
// transport fails. It returns nil when ctx ends the loop.
type Receiver interface {
	Receive(ctx context.Context, sub Subscription, fn DeliveryFunc) error
}

// Transport combines both directions of a broker connection.
type Transport interface {
	Sender
	Receiver
	Close() error
}
