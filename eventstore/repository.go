package eventstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const defaultSnapshotFrequency = 100

// Repository rehydrates aggregates (latest snapshot plus event tail) and
// persists uncommitted events with optimistic concurrency.
type Repository struct {
	store             Store
	logger            *zap.SugaredLogger
	snapshotFrequency int64
}

func NewRepository(store Store, logger *zap.SugaredLogger, snapshotFrequency int) *Repository {
	freq := int64(snapshotFrequency)
	if freq <= 0 {
		freq = defaultSnapshotFrequency
	}
	return &Repository{store: store, logger: logger, snapshotFrequency: freq}
}

// Load rehydrates agg: apply the latest snapshot if one exists, then replay
// only events after the snapshot version.
func (r *Repository) Load(ctx context.Context, agg Aggregate) error {
	if agg.AggregateID() == "" {
		return errors.New("aggregate id is empty")
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events")
	}

	var from int64
	snap, err := r.store.LoadSnapshot(ctx, agg.AggregateID())
	switch {
	case err == nil:
		if err := agg.RestoreSnapshot(snap.State, snap.Version); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		agg.SetVersion(snap.Version)
		from = snap.Version
		r.logger.Debugf("[aggregate: %s] snapshot applied at version %d", agg.AggregateID(), snap.Version)
	case errors.Is(err, ErrSnapshotNotFound):
		// full replay
	default:
		return fmt.Errorf("load snapshot: %w", err)
	}

	events, err := r.store.Load(ctx, agg.AggregateID(), from)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) && from > 0 {
			// snapshot covers the whole stream
			return nil
		}
		return err
	}

	for _, e := range events {
		if err := agg.ApplyEvent(e); err != nil {
			return fmt.Errorf("replay event %s v%d: %w", e.Type, e.Version, err)
		}
		agg.SetVersion(e.Version)
	}
	return nil
}

// Save appends the aggregate's uncommitted events at its pre-raise version.
// On ErrVersionConflict nothing is stored and the aggregate keeps its buffer;
// the caller reloads and retries. A snapshot is written once the version
// crosses a multiple of snapshot_frequency.
func (r *Repository) Save(ctx context.Context, agg Aggregate) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}

	expected := agg.Version() - int64(len(uncommitted))
	if err := r.store.Append(ctx, agg.AggregateID(), uncommitted, expected); err != nil {
		return err
	}
	agg.ClearUncommitted()

	if r.dueForSnapshot(expected, agg.Version()) {
		if err := r.snapshot(ctx, agg); err != nil {
			// losing a snapshot only costs replay time, never correctness
			r.logger.Warnf("[aggregate: %s] snapshot failed: %v", agg.AggregateID(), err)
		}
	}
	return nil
}

// dueForSnapshot reports whether a multiple of snapshotFrequency was crossed
// between the previous and new version.
func (r *Repository) dueForSnapshot(prev, now int64) bool {
	return now/r.snapshotFrequency > prev/r.snapshotFrequency
}

func (r *Repository) snapshot(ctx context.Context, agg Aggregate) error {
	state, err := agg.SnapshotState()
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	snap := Snapshot{
		AggregateID:   agg.AggregateID(),
		AggregateType: agg.AggregateType(),
		State:         state,
		Version:       agg.Version(),
	}
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	r.logger.Debugf("[aggregate: %s] snapshot written at version %d", agg.AggregateID(), agg.Version())
	return nil
}
