package eventstore

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
)

// DomainEvent is one immutable fact about an aggregate. Version is strictly
// increasing per aggregate stream, without gaps.
type DomainEvent struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Type          string          `db:"event_type" json:"type"`
	AggregateID   string          `db:"aggregate_id" json:"aggregateId"`
	AggregateType string          `db:"aggregate_type" json:"aggregateType"`
	Version       int64           `db:"version" json:"version"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Timestamp     time.Time       `db:"created_at" json:"timestamp"`
	CorrelationID string          `db:"correlation_id" json:"correlationId,omitempty"`
	CausationID   string          `db:"causation_id" json:"causationId,omitempty"`
}

// Snapshot is compacted aggregate state at a version; snapshot.Version is
// always <= the current stream version.
type Snapshot struct {
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"`
	State         json.RawMessage `db:"state"`
	Version       int64           `db:"version"`
	CreatedAt     time.Time       `db:"created_at"`
}

// NewEvent builds an unversioned event; the store assigns the version on
// append.
func NewEvent(eventType, aggregateID, aggregateType string, payload any) (DomainEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return DomainEvent{}, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return DomainEvent{}, err
	}
	return DomainEvent{
		ID:            id,
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       data,
		Timestamp:     time.Now().UTC(),
	}, nil
}
