package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker for tests and local development.
// FailFunc, when set, decides per message whether delivery fails.
type MemoryBroker struct {
	mu       sync.Mutex
	byTopic  map[string][]Message
	FailFunc func(msg Message) error
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{byTopic: map[string][]Message{}}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailFunc != nil {
		if err := b.FailFunc(msg); err != nil {
			return err
		}
	}
	b.byTopic[msg.Topic] = append(b.byTopic[msg.Topic], msg)
	return nil
}

func (b *MemoryBroker) PublishBatch(ctx context.Context, msgs []Message) []error {
	results := make([]error, len(msgs))
	for i, m := range msgs {
		results[i] = b.Publish(ctx, m)
	}
	return results
}

func (b *MemoryBroker) HealthCheck(ctx context.Context) error { return nil }

// Messages returns a copy of everything delivered to topic so far.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.byTopic[topic]))
	copy(out, b.byTopic[topic])
	return out
}

func (b *MemoryBroker) Count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byTopic[topic])
}
