package eventstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrVersionConflict  = errors.New("version conflict")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrNoEvents         = errors.New("no events to append")
)

// Store is the append-only, per-stream event storage contract.
//
// Append succeeds only when the stream's current version equals
// expectedVersion; on mismatch it returns ErrVersionConflict and stores
// nothing, so the caller can reload and retry. On success each event gets a
// sequential version starting at expectedVersion+1.
//
// Load returns events strictly after fromVersion, in version order.
type Store interface {
	Append(ctx context.Context, aggregateID string, events []DomainEvent, expectedVersion int64) error
	Load(ctx context.Context, aggregateID string, fromVersion int64) ([]DomainEvent, error)
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)

	// LoadByTypes feeds projections: events of the given types created
	// strictly after the checkpoint timestamp, oldest first.
	LoadByTypes(ctx context.Context, eventTypes []string, after time.Time, limit int) ([]DomainEvent, error)

	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, error)
}
