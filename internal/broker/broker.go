package broker

import "context"

// Handler is invoked once per received message matching a subscribed pattern.
type Handler func(topic string, payload []byte)

// Broker is the cross-node publish/subscribe transport. Publish resolves once
// the transport has accepted the message, not once it is delivered. Patterns
// support a trailing "*" wildcard ("broker:ns:/chat:*"); at most one handler
// is registered per pattern per broker instance.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, handler Handler) error

	// Unsubscribe removes the handler for a pattern. Unsubscribing an
	// unknown pattern is a no-op.
	Unsubscribe(ctx context.Context, pattern string) error

	Close() error
}
