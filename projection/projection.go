package projection

import (
	"context"
	"time"

	"github.com/burdettadam/marty-microservices-framework-sub007/eventstore"
)

// Projection is one read model. EventTypes narrows what the manager polls for;
// Apply mutates the read model from a single event; Reset clears the read
// model so Rebuild can reprocess history from scratch.
type Projection interface {
	Name() string
	EventTypes() []string
	Apply(ctx context.Context, e eventstore.DomainEvent) error
	Reset(ctx context.Context) error
}

// CheckpointStore tracks, per projection, the timestamp of the last event
// applied. The checkpoint advances event-by-event, never per batch, so a crash
// reprocesses at most one event.
type CheckpointStore interface {
	Get(ctx context.Context, projection string) (time.Time, error)
	Set(ctx context.Context, projection string, position time.Time) error
	Clear(ctx context.Context, projection string) error
}
