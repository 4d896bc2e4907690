package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Aggregate is the contract event-sourced domain objects implement to work
// with the Repository. An aggregate applies raised events to its in-memory
// state immediately, so business logic always sees up-to-date state before
// anything is persisted; raised events stay buffered as uncommitted until a
// successful save.
type Aggregate interface {
	AggregateID() string
	AggregateType() string

	Version() int64
	SetVersion(int64)

	// ApplyEvent mutates aggregate state from one event.
	ApplyEvent(e DomainEvent) error

	Uncommitted() []DomainEvent
	Record(e DomainEvent)
	ClearUncommitted()

	// SnapshotState / RestoreSnapshot compact and restore state so replay
	// cost stays bounded by snapshot_frequency instead of history length.
	SnapshotState() (json.RawMessage, error)
	RestoreSnapshot(state json.RawMessage, version int64) error
}

// AggregateRoot is the embeddable bookkeeping half of Aggregate; concrete
// aggregates add ApplyEvent, SnapshotState and RestoreSnapshot.
type AggregateRoot struct {
	id          string
	typ         string
	version     int64
	uncommitted []DomainEvent
}

func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{id: id, typ: aggregateType}
}

func (a *AggregateRoot) AggregateID() string   { return a.id }
func (a *AggregateRoot) AggregateType() string { return a.typ }
func (a *AggregateRoot) SetID(id string)       { a.id = id }
func (a *AggregateRoot) Version() int64        { return a.version }
func (a *AggregateRoot) SetVersion(v int64)    { a.version = v }

func (a *AggregateRoot) Record(e DomainEvent) {
	a.uncommitted = append(a.uncommitted, e)
}

func (a *AggregateRoot) Uncommitted() []DomainEvent {
	out := make([]DomainEvent, len(a.uncommitted))
	copy(out, a.uncommitted)
	return out
}

func (a *AggregateRoot) ClearUncommitted() { a.uncommitted = nil }

// Raise builds an event for agg, records it as uncommitted, applies it and
// advances the in-memory version.
func Raise(agg Aggregate, eventType string, payload any) error {
	if agg.AggregateID() == "" {
		return errors.New("aggregate id is empty")
	}

	e, err := NewEvent(eventType, agg.AggregateID(), agg.AggregateType(), payload)
	if err != nil {
		return fmt.Errorf("build event %s: %w", eventType, err)
	}
	e.Version = agg.Version() + 1

	agg.Record(e)
	if err := agg.ApplyEvent(e); err != nil {
		return fmt.Errorf("apply event %s: %w", eventType, err)
	}
	agg.SetVersion(e.Version)
	return nil
}
