package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/validator"
)

// MemoryRepository backs tests and development; semantics mirror the postgres
// implementation.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*Event
	seen   map[uuid.UUID]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events: map[int64]*Event{},
		seen:   map[uuid.UUID]struct{}{},
	}
}

func (r *MemoryRepository) Enqueue(ctx context.Context, e *Event) error {
	if err := validator.Validate.Struct(e); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e.EventID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		e.EventID = id
	}
	if _, dup := r.seen[e.EventID]; dup {
		return ErrDuplicateEvent
	}

	now := time.Now().UTC()
	r.nextID++
	e.ID = r.nextID
	e.Status = StatusPending
	e.CreatedAt = now
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = now
	}
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = now
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 3
	}

	stored := *e
	r.events[e.ID] = &stored
	r.seen[e.EventID] = struct{}{}
	return nil
}

func (r *MemoryRepository) ReserveBatch(ctx context.Context, partitions []int, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var wanted map[int]struct{}
	if partitions != nil {
		wanted = make(map[int]struct{}, len(partitions))
		for _, p := range partitions {
			wanted[p] = struct{}{}
		}
	}

	var due []*Event
	for _, e := range r.events {
		if e.Status != StatusPending {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[e.Partition]; !ok {
				continue
			}
		}
		if e.ScheduledAt.After(now) || e.NextRetryAt.After(now) {
			continue
		}
		if e.Expired(now) {
			continue
		}
		due = append(due, e)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Event, 0, len(due))
	for _, e := range due {
		e.Status = StatusProcessing
		e.Attempts++
		out = append(out, *e)
	}
	return out, nil
}

func (r *MemoryRepository) MarkCompleted(ctx context.Context, id int64, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return ErrEventNotFound
	}
	now := time.Now().UTC()
	e.Status = StatusCompleted
	e.ProcessedAt = &now
	e.ProcessingMS = duration.Milliseconds()
	e.LastError = ""
	return nil
}

func (r *MemoryRepository) MarkRetry(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = StatusPending
	e.NextRetryAt = nextRetryAt
	e.LastError = lastError
	return nil
}

func (r *MemoryRepository) MarkDeadLetter(ctx context.Context, id int64, lastError string) error {
	return r.markTerminal(id, StatusDeadLetter, lastError)
}

func (r *MemoryRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return r.markTerminal(id, StatusFailed, lastError)
}

func (r *MemoryRepository) markTerminal(id int64, status Status, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = status
	e.LastError = lastError
	return nil
}

func (r *MemoryRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.events {
		if e.Status == StatusPending && e.Expired(now) {
			e.Status = StatusSkipped
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.events {
		if e.Status == StatusCompleted && e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Stats(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{CountsByStatus: map[Status]int64{}}
	var durations []float64
	for _, e := range r.events {
		stats.CountsByStatus[e.Status]++
		stats.TotalPayloadBytes += int64(len(e.Payload))
		if e.Status == StatusCompleted {
			durations = append(durations, float64(e.ProcessingMS))
		}
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		var sum float64
		for _, d := range durations {
			sum += d
		}
		stats.AvgProcessingMS = sum / float64(len(durations))
		idx := int(0.95 * float64(len(durations)-1))
		stats.P95ProcessingMS = durations[idx]
	}
	return stats, nil
}

// Get returns a copy of the stored event; test helper.
func (r *MemoryRepository) Get(id int64) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return Event{}, false
	}
	return *e, true
}
