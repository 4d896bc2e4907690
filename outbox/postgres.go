package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/db"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/validator"
)

// PostgresRepository stores outbox events in the outbox_event table. Enqueue
// joins whatever transaction the caller has in ctx, which is how the write
// stays atomic with the business mutation.
type PostgresRepository struct {
	db     db.DB
	logger *zap.SugaredLogger
}

func NewPostgresRepository(db db.DB, logger *zap.SugaredLogger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

func (r *PostgresRepository) Enqueue(ctx context.Context, e *Event) error {
	if err := validator.Validate.Struct(e); err != nil {
		return err
	}
	if e.EventID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		e.EventID = id
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 3
	}
	now := time.Now().UTC()
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = now
	}
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = now
	}

	r.logger.Debugf("[event: %s] Enqueue started", e.EventID)
	err := r.db.QueryRow(ctx, insertEventSQL,
		e.EventID, e.AggregateID, e.AggregateType, e.Topic, e.Key, []byte(e.Payload),
		e.Partition, e.Priority, e.MaxAttempts, e.ScheduledAt, e.NextRetryAt,
		e.ExpiresAt, e.CorrelationID,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			r.logger.Warnf("[event: %s] idempotent hit: event already enqueued", e.EventID)
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert outbox_event: %w", err)
	}
	e.Status = StatusPending

	return nil
}

func (r *PostgresRepository) ReserveBatch(ctx context.Context, partitions []int, limit int) ([]Event, error) {
	rows, err := r.db.Query(ctx, reserveBatchSQL, partitions, limit)
	if err != nil {
		return nil, fmt.Errorf("reserve outbox batch: %w", err)
	}
	defer rows.Close()

	var res []Event
	for rows.Next() {
		var e Event
		var status string
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.Topic, &e.Key,
			&e.Payload, &e.Partition, &status, &e.Priority, &e.Attempts, &e.MaxAttempts,
			&e.ScheduledAt, &e.NextRetryAt, &e.ExpiresAt, &e.CorrelationID,
			&e.LastError, &e.ProcessedAt, &e.ProcessingMS, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reserved outbox: %w", err)
		}
		e.Status = Status(status)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reserve rows err: %w", err)
	}

	return res, nil
}

func (r *PostgresRepository) MarkCompleted(ctx context.Context, id int64, duration time.Duration) error {
	return r.exec(ctx, markCompletedSQL, "outbox mark completed", id, duration.Milliseconds())
}

func (r *PostgresRepository) MarkRetry(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) error {
	return r.exec(ctx, markRetrySQL, "outbox mark retry", id, nextRetryAt, lastError)
}

func (r *PostgresRepository) MarkDeadLetter(ctx context.Context, id int64, lastError string) error {
	return r.exec(ctx, markTerminalSQL, "outbox mark dead_letter", id, string(StatusDeadLetter), lastError)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return r.exec(ctx, markTerminalSQL, "outbox mark failed", id, string(StatusFailed), lastError)
}

func (r *PostgresRepository) exec(ctx context.Context, sql, what string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, markExpiredSQL, now)
	if err != nil {
		return 0, fmt.Errorf("outbox mark expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteCompletedSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{CountsByStatus: map[Status]int64{}}

	rows, err := r.db.Query(ctx, statsCountsSQL)
	if err != nil {
		return stats, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count, bytes int64
		if err := rows.Scan(&status, &count, &bytes); err != nil {
			return stats, fmt.Errorf("scan outbox stats: %w", err)
		}
		stats.CountsByStatus[Status(status)] = count
		stats.TotalPayloadBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("outbox stats rows err: %w", err)
	}

	if err := r.db.QueryRow(ctx, statsTimingSQL).Scan(&stats.AvgProcessingMS, &stats.P95ProcessingMS); err != nil {
		return stats, fmt.Errorf("outbox stats timing: %w", err)
	}
	return stats, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
