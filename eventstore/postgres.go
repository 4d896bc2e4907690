package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/db"
)

// PostgresStore persists streams in the domain_event / aggregate_snapshot
// tables. The unique (aggregate_id, version) index is the optimistic
// concurrency backstop: a racing append loses with 23505, reported as
// ErrVersionConflict.
type PostgresStore struct {
	db     db.DB
	logger *zap.SugaredLogger
}

func NewPostgresStore(db db.DB, logger *zap.SugaredLogger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Append(ctx context.Context, aggregateID string, events []DomainEvent, expectedVersion int64) error {
	if len(events) == 0 {
		return ErrNoEvents
	}

	err := s.db.WithinTransaction(ctx, func(txCtx context.Context) error {
		var current int64
		if err := s.db.QueryRow(txCtx, currentVersionSQL, aggregateID).Scan(&current); err != nil {
			return fmt.Errorf("current version: %w", err)
		}
		if current != expectedVersion {
			return ErrVersionConflict
		}

		for i, e := range events {
			version := expectedVersion + int64(i) + 1
			_, err := s.db.Exec(txCtx, insertEventSQL,
				e.ID, e.Type, aggregateID, e.AggregateType, version, []byte(e.Payload), e.CorrelationID, e.CausationID,
			)
			if err != nil {
				if isDuplicateKeyError(err) {
					return ErrVersionConflict
				}
				return fmt.Errorf("insert domain_event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			s.logger.Errorf("[aggregate: %s] append failed: %v", aggregateID, err)
		}
		return err
	}

	s.logger.Debugf("[aggregate: %s] appended %d events at version %d", aggregateID, len(events), expectedVersion)
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, aggregateID string, fromVersion int64) ([]DomainEvent, error) {
	rows, err := s.db.Query(ctx, loadStreamSQL, aggregateID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && fromVersion == 0 {
		return nil, ErrStreamNotFound
	}
	return events, nil
}

func (s *PostgresStore) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var current int64
	if err := s.db.QueryRow(ctx, currentVersionSQL, aggregateID).Scan(&current); err != nil {
		return 0, fmt.Errorf("current version: %w", err)
	}
	return current, nil
}

func (s *PostgresStore) LoadByTypes(ctx context.Context, eventTypes []string, after time.Time, limit int) ([]DomainEvent, error) {
	rows, err := s.db.Query(ctx, loadByTypesSQL, eventTypes, after, limit)
	if err != nil {
		return nil, fmt.Errorf("load by types: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, upsertSnapshotSQL,
		snap.AggregateID, snap.AggregateType, []byte(snap.State), snap.Version)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRow(ctx, loadSnapshotSQL, aggregateID).Scan(
		&snap.AggregateID, &snap.AggregateType, &snap.State, &snap.Version, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

func scanEvents(rows pgx.Rows) ([]DomainEvent, error) {
	var events []DomainEvent
	for rows.Next() {
		var e DomainEvent
		if err := rows.Scan(
			&e.ID, &e.Type, &e.AggregateID, &e.AggregateType, &e.Version,
			&e.Payload, &e.CorrelationID, &e.CausationID, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan domain_event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream rows err: %w", err)
	}
	return events, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
