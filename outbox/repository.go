package outbox

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateEvent = errors.New("duplicate event id")
	ErrEventNotFound  = errors.New("outbox event not found")
)

// Stats is the periodic aggregate snapshot the processor reports.
type Stats struct {
	CountsByStatus    map[Status]int64
	AvgProcessingMS   float64
	P95ProcessingMS   float64
	TotalPayloadBytes int64
}

// Repository is durable outbox storage. Enqueue participates in the caller's
// ambient transaction (pkg/db WithinTransaction); ReserveBatch transitions a
// due batch to PROCESSING and increments attempts, so a delivered event's
// attempt count is the number of tries actually made.
type Repository interface {
	Enqueue(ctx context.Context, e *Event) error

	// ReserveBatch picks up to limit PENDING events for the given partitions
	// (all partitions when nil), due (scheduled_at and next_retry_at passed)
	// and not expired, ordered by priority then creation time.
	ReserveBatch(ctx context.Context, partitions []int, limit int) ([]Event, error)

	MarkCompleted(ctx context.Context, id int64, duration time.Duration) error
	// MarkRetry returns the event to PENDING with the next due time.
	MarkRetry(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) error
	MarkDeadLetter(ctx context.Context, id int64, lastError string) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	// MarkExpired bulk-skips PENDING events whose expiry has passed.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)

	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}
