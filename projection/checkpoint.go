package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/db"
)

type MemoryCheckpointStore struct {
	mu        sync.Mutex
	positions map[string]time.Time
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{positions: map[string]time.Time{}}
}

func (s *MemoryCheckpointStore) Get(ctx context.Context, projection string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[projection], nil
}

func (s *MemoryCheckpointStore) Set(ctx context.Context, projection string, position time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[projection] = position
	return nil
}

func (s *MemoryCheckpointStore) Clear(ctx context.Context, projection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, projection)
	return nil
}

const upsertCheckpointSQL = `
INSERT INTO projection_checkpoint (projection, position, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (projection) DO UPDATE
SET position = EXCLUDED.position, updated_at = now()`

const getCheckpointSQL = `
SELECT position FROM projection_checkpoint WHERE projection = $1`

const clearCheckpointSQL = `
DELETE FROM projection_checkpoint WHERE projection = $1`

type PostgresCheckpointStore struct {
	db db.DB
}

func NewPostgresCheckpointStore(db db.DB) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{db: db}
}

func (s *PostgresCheckpointStore) Get(ctx context.Context, projection string) (time.Time, error) {
	var position time.Time
	err := s.db.QueryRow(ctx, getCheckpointSQL, projection).Scan(&position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return position, nil
}

func (s *PostgresCheckpointStore) Set(ctx context.Context, projection string, position time.Time) error {
	if _, err := s.db.Exec(ctx, upsertCheckpointSQL, projection, position); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresCheckpointStore) Clear(ctx context.Context, projection string) error {
	if _, err := s.db.Exec(ctx, clearCheckpointSQL, projection); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
