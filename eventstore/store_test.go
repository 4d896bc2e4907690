package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, eventType, aggID string, payload any) DomainEvent {
	t.Helper()
	e, err := NewEvent(eventType, aggID, "account", payload)
	require.NoError(t, err)
	return e
}

func TestAppendAssignsSequentialVersions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	events := []DomainEvent{
		mustEvent(t, "created", "acc-1", map[string]any{"name": "A"}),
		mustEvent(t, "updated", "acc-1", map[string]any{"name": "B"}),
	}
	require.NoError(t, s.Append(ctx, "acc-1", events, 0))

	stored, err := s.Load(ctx, "acc-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.EqualValues(t, 1, stored[0].Version)
	assert.EqualValues(t, 2, stored[1].Version)
	assert.True(t, stored[1].Timestamp.After(stored[0].Timestamp))

	v, err := s.CurrentVersion(ctx, "acc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

func TestAppendConflictStoresNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e1 := mustEvent(t, "created", "agg-1", map[string]any{"n": 1})
	require.NoError(t, s.Append(ctx, "agg-1", []DomainEvent{e1}, 0))

	v, err := s.CurrentVersion(ctx, "agg-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	// same expected version again must conflict and leave the stream untouched
	e2 := mustEvent(t, "created", "agg-1", map[string]any{"n": 2})
	err = s.Append(ctx, "agg-1", []DomainEvent{e2}, 0)
	require.ErrorIs(t, err, ErrVersionConflict)

	v, err = s.CurrentVersion(ctx, "agg-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	stored, err := s.Load(ctx, "agg-1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestAppendRejectsEmptyBatch(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.Append(context.Background(), "agg-1", nil, 0), ErrNoEvents)
}

func TestLoadStrictlyAfterVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	events := []DomainEvent{
		mustEvent(t, "created", "agg-1", nil),
		mustEvent(t, "updated", "agg-1", nil),
		mustEvent(t, "updated", "agg-1", nil),
	}
	require.NoError(t, s.Append(ctx, "agg-1", events, 0))

	tail, err := s.Load(ctx, "agg-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.EqualValues(t, 2, tail[0].Version)

	_, err = s.Load(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestLoadByTypesFiltersAndOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "a", []DomainEvent{mustEvent(t, "created", "a", nil)}, 0))
	require.NoError(t, s.Append(ctx, "b", []DomainEvent{mustEvent(t, "created", "b", nil)}, 0))
	require.NoError(t, s.Append(ctx, "a", []DomainEvent{mustEvent(t, "updated", "a", nil)}, 1))

	created, err := s.LoadByTypes(ctx, []string{"created"}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.True(t, created[0].Timestamp.Before(created[1].Timestamp))

	// after the first created event only the second remains
	rest, err := s.LoadByTypes(ctx, []string{"created"}, created[0].Timestamp, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, created[1].ID, rest[0].ID)

	limited, err := s.LoadByTypes(ctx, []string{"created", "updated"}, time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LoadSnapshot(ctx, "agg-1")
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{
		AggregateID:   "agg-1",
		AggregateType: "account",
		State:         []byte(`{"balance":10}`),
		Version:       3,
	}))

	snap, err := s.LoadSnapshot(ctx, "agg-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, snap.Version)
	assert.JSONEq(t, `{"balance":10}`, string(snap.State))
}
