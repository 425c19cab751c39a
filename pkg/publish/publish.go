// Package publish defines the sink contract the outbox dispatcher
// publishes through: a destination string (a topic, subject, or queue
// name resolved by the dispatcher's destination mapping) and an opaque
// payload plus headers. Concrete sinks live in subpackages (pkg/publish/nats).
package publish

import "context"

// Publisher is the contract outbox.Dispatcher expects of a message
// sink. It is the same shape as outbox.Publisher; kept as its own type
// here so sinks don't need to import pkg/outbox just to implement it.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) error
}

// Closer is implemented by publishers that hold a live connection.
type Closer interface {
	Close() error
}
