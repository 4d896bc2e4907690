package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded store for tests and development. Timestamps
// are forced strictly increasing so projection checkpoints never tie.
type MemoryStore struct {
	mu        sync.Mutex
	streams   map[string][]DomainEvent
	snapshots map[string]Snapshot
	lastTime  time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   map[string][]DomainEvent{},
		snapshots: map[string]Snapshot{},
	}
}

func (s *MemoryStore) Append(ctx context.Context, aggregateID string, events []DomainEvent, expectedVersion int64) error {
	if len(events) == 0 {
		return ErrNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	var current int64
	if len(stream) > 0 {
		current = stream[len(stream)-1].Version
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	appended := make([]DomainEvent, 0, len(events))
	for i, e := range events {
		e.AggregateID = aggregateID
		e.Version = expectedVersion + int64(i) + 1
		e.Timestamp = s.nextTimestamp()
		appended = append(appended, e)
	}
	s.streams[aggregateID] = append(stream, appended...)
	return nil
}

// nextTimestamp returns now, bumped by 1ns past the previous append when the
// clock has not advanced. Caller holds the lock.
func (s *MemoryStore) nextTimestamp() time.Time {
	now := time.Now().UTC()
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Nanosecond)
	}
	s.lastTime = now
	return now
}

func (s *MemoryStore) Load(ctx context.Context, aggregateID string, fromVersion int64) ([]DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[aggregateID]
	if !ok {
		return nil, ErrStreamNotFound
	}

	out := make([]DomainEvent, 0, len(stream))
	for _, e := range stream {
		if e.Version > fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].Version, nil
}

func (s *MemoryStore) LoadByTypes(ctx context.Context, eventTypes []string, after time.Time, limit int) ([]DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = struct{}{}
	}

	var out []DomainEvent
	for _, stream := range s.streams {
		for _, e := range stream {
			if _, ok := wanted[e.Type]; !ok {
				continue
			}
			if !e.Timestamp.After(after) {
				continue
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.CreatedAt = time.Now().UTC()
	s.snapshots[snap.AggregateID] = snap
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}
