package projection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burdettadam/marty-microservices-framework-sub007/eventstore"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/observability"
)

// nameProjection keeps the latest name per aggregate.
type nameProjection struct {
	mu    sync.Mutex
	names map[string]string
	fail  error
}

func newNameProjection() *nameProjection {
	return &nameProjection{names: map[string]string{}}
}

func (p *nameProjection) Name() string         { return "names" }
func (p *nameProjection) EventTypes() []string { return []string{"created", "updated"} }

func (p *nameProjection) Apply(_ context.Context, e eventstore.DomainEvent) error {
	if p.fail != nil {
		return p.fail
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[e.AggregateID] = payload.Name
	return nil
}

func (p *nameProjection) Reset(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = map[string]string{}
	return nil
}

func (p *nameProjection) snapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.names))
	for k, v := range p.names {
		out[k] = v
	}
	return out
}

func appendNamed(t *testing.T, store *eventstore.MemoryStore, aggID, eventType, name string, expected int64) {
	t.Helper()
	e, err := eventstore.NewEvent(eventType, aggID, "thing", map[string]string{"name": name})
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), aggID, []eventstore.DomainEvent{e}, expected))
}

func newTestManager(store *eventstore.MemoryStore) *Manager {
	return NewManager(store, NewMemoryCheckpointStore(), observability.NopLogger(), config.Projection{
		PollPeriod: 5 * time.Millisecond,
		BatchSize:  2,
	})
}

func TestIncrementalAndRebuildProduceIdenticalState(t *testing.T) {
	store := eventstore.NewMemoryStore()
	m := newTestManager(store)
	proj := newNameProjection()
	require.NoError(t, m.Register(proj))

	appendNamed(t, store, "agg-1", "created", "A", 0)
	appendNamed(t, store, "agg-1", "updated", "B", 1)
	appendNamed(t, store, "agg-1", "updated", "C", 2)

	n, err := m.CatchUp(context.Background(), "names")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	incremental := proj.snapshot()
	assert.Equal(t, map[string]string{"agg-1": "C"}, incremental)

	require.NoError(t, m.Rebuild(context.Background(), "names"))
	assert.Equal(t, incremental, proj.snapshot())
}

func TestCatchUpOnlyAppliesNewEvents(t *testing.T) {
	store := eventstore.NewMemoryStore()
	m := newTestManager(store)
	proj := newNameProjection()
	require.NoError(t, m.Register(proj))

	appendNamed(t, store, "agg-1", "created", "A", 0)

	n, err := m.CatchUp(context.Background(), "names")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// no new events, nothing reapplied
	n, err = m.CatchUp(context.Background(), "names")
	require.NoError(t, err)
	assert.Zero(t, n)

	appendNamed(t, store, "agg-2", "created", "X", 0)
	n, err = m.CatchUp(context.Background(), "names")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]string{"agg-1": "A", "agg-2": "X"}, proj.snapshot())
}

func TestCheckpointAdvancesPerEvent(t *testing.T) {
	store := eventstore.NewMemoryStore()
	checkpoints := NewMemoryCheckpointStore()
	m := NewManager(store, checkpoints, observability.NopLogger(), config.Projection{BatchSize: 10})
	proj := newNameProjection()
	require.NoError(t, m.Register(proj))

	appendNamed(t, store, "agg-1", "created", "A", 0)
	appendNamed(t, store, "agg-1", "updated", "B", 1)

	_, err := m.CatchUp(context.Background(), "names")
	require.NoError(t, err)

	events, err := store.LoadByTypes(context.Background(), proj.EventTypes(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	pos, err := checkpoints.Get(context.Background(), "names")
	require.NoError(t, err)
	assert.True(t, pos.Equal(events[1].Timestamp))

	// a handler failure surfaces but leaves the checkpoint at the last success
	appendNamed(t, store, "agg-1", "updated", "C", 2)
	proj.fail = errors.New("projection broken")
	_, err = m.CatchUp(context.Background(), "names")
	require.Error(t, err)

	pos2, err := checkpoints.Get(context.Background(), "names")
	require.NoError(t, err)
	assert.True(t, pos2.Equal(pos))
}

func TestRegisterRejectsDuplicatesAndRunning(t *testing.T) {
	store := eventstore.NewMemoryStore()
	m := newTestManager(store)
	require.NoError(t, m.Register(newNameProjection()))
	assert.Error(t, m.Register(newNameProjection()))

	m.Start(context.Background())
	defer m.Stop()

	other := &nameProjection{names: map[string]string{}}
	assert.Error(t, m.Register(other))
}

func TestUnknownProjection(t *testing.T) {
	m := newTestManager(eventstore.NewMemoryStore())
	_, err := m.CatchUp(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownProjection)
	assert.ErrorIs(t, m.Rebuild(context.Background(), "missing"), ErrUnknownProjection)
}

func TestPollLoopAppliesInBackground(t *testing.T) {
	store := eventstore.NewMemoryStore()
	m := newTestManager(store)
	proj := newNameProjection()
	require.NoError(t, m.Register(proj))

	m.Start(context.Background())
	defer m.Stop()

	appendNamed(t, store, "agg-1", "created", "A", 0)

	require.Eventually(t, func() bool {
		return proj.snapshot()["agg-1"] == "A"
	}, 2*time.Second, 5*time.Millisecond)
}
