package outbox

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
	StatusSkipped    Status = "SKIPPED"
)

// Event is one durable outbound message. EventID is the idempotency key and
// globally unique; ID is the storage surrogate. Enqueue must happen inside
// the same local transaction as the business mutation it accompanies; that
// co-location is the correctness contract of the pattern.
type Event struct {
	ID            int64           `db:"id"`
	EventID       uuid.UUID       `db:"event_id"`
	AggregateID   string          `db:"aggregate_id" validate:"required"`
	AggregateType string          `db:"aggregate_type" validate:"required"`
	Topic         string          `db:"topic" validate:"required,topic"`
	Key           string          `db:"key"`
	Payload       json.RawMessage `db:"payload" validate:"required"`
	Partition     int             `db:"partition"`
	Status        Status          `db:"status"`
	Priority      int             `db:"priority"`
	Attempts      int             `db:"attempts"`
	MaxAttempts   int             `db:"max_attempts"`
	ScheduledAt   time.Time       `db:"scheduled_at"`
	NextRetryAt   time.Time       `db:"next_retry_at"`
	ExpiresAt     *time.Time      `db:"expires_at"`
	CorrelationID string          `db:"correlation_id"`
	LastError     string          `db:"last_error"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	ProcessingMS  int64           `db:"processing_ms"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (e *Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}
