package broker

import "context"

// Message is one outbound record. Key selects the broker-side partition when
// Partition is negative; headers travel as-is.
type Message struct {
	Topic     string
	Key       string
	Partition int32
	Payload   []byte
	Headers   map[string]string
}

// Broker is the injected message-broker contract. PublishBatch returns one
// result per input message, same order; a nil entry means delivered.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	PublishBatch(ctx context.Context, msgs []Message) []error
	HealthCheck(ctx context.Context) error
}
