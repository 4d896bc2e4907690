package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/observability"
)

// account is a minimal event-sourced aggregate for repository tests.
type account struct {
	AggregateRoot
	Owner   string
	Balance int
}

type accountOpened struct {
	Owner string `json:"owner"`
}

type moneyDeposited struct {
	Amount int `json:"amount"`
}

type accountState struct {
	Owner   string `json:"owner"`
	Balance int    `json:"balance"`
}

func newAccount(id string) *account {
	return &account{AggregateRoot: NewAggregateRoot(id, "account")}
}

func (a *account) ApplyEvent(e DomainEvent) error {
	switch e.Type {
	case "account_opened":
		var p accountOpened
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		a.Owner = p.Owner
	case "money_deposited":
		var p moneyDeposited
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		a.Balance += p.Amount
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

func (a *account) SnapshotState() (json.RawMessage, error) {
	return json.Marshal(accountState{Owner: a.Owner, Balance: a.Balance})
}

func (a *account) RestoreSnapshot(state json.RawMessage, _ int64) error {
	var s accountState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	a.Owner = s.Owner
	a.Balance = s.Balance
	return nil
}

func (a *account) open(owner string) error {
	return Raise(a, "account_opened", accountOpened{Owner: owner})
}

func (a *account) deposit(amount int) error {
	return Raise(a, "money_deposited", moneyDeposited{Amount: amount})
}

func TestRaiseAppliesImmediately(t *testing.T) {
	acc := newAccount("acc-1")
	require.NoError(t, acc.open("alice"))
	require.NoError(t, acc.deposit(50))

	// business logic sees state before anything is persisted
	assert.Equal(t, "alice", acc.Owner)
	assert.Equal(t, 50, acc.Balance)
	assert.EqualValues(t, 2, acc.Version())
	assert.Len(t, acc.Uncommitted(), 2)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	repo := NewRepository(store, observability.NopLogger(), 100)
	ctx := context.Background()

	acc := newAccount("acc-1")
	require.NoError(t, acc.open("alice"))
	require.NoError(t, acc.deposit(50))
	require.NoError(t, acc.deposit(25))
	require.NoError(t, repo.Save(ctx, acc))
	assert.Empty(t, acc.Uncommitted())

	loaded := newAccount("acc-1")
	require.NoError(t, repo.Load(ctx, loaded))
	assert.Equal(t, "alice", loaded.Owner)
	assert.Equal(t, 75, loaded.Balance)
	assert.EqualValues(t, 3, loaded.Version())
}

func TestSaveConflictKeepsUncommitted(t *testing.T) {
	store := NewMemoryStore()
	repo := NewRepository(store, observability.NopLogger(), 100)
	ctx := context.Background()

	first := newAccount("acc-1")
	require.NoError(t, first.open("alice"))
	require.NoError(t, repo.Save(ctx, first))

	// two copies loaded at the same version race their saves
	a := newAccount("acc-1")
	require.NoError(t, repo.Load(ctx, a))
	b := newAccount("acc-1")
	require.NoError(t, repo.Load(ctx, b))

	require.NoError(t, a.deposit(10))
	require.NoError(t, b.deposit(20))

	require.NoError(t, repo.Save(ctx, a))
	err := repo.Save(ctx, b)
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Len(t, b.Uncommitted(), 1)

	// the loser reloads and retries
	retry := newAccount("acc-1")
	require.NoError(t, repo.Load(ctx, retry))
	require.NoError(t, retry.deposit(20))
	require.NoError(t, repo.Save(ctx, retry))
	assert.Equal(t, 30, retry.Balance)
}

func TestSnapshotPlusTailEqualsFullReplay(t *testing.T) {
	store := NewMemoryStore()
	repo := NewRepository(store, observability.NopLogger(), 2)
	ctx := context.Background()

	acc := newAccount("acc-1")
	require.NoError(t, acc.open("alice"))
	require.NoError(t, repo.Save(ctx, acc))

	for i := 1; i <= 4; i++ {
		require.NoError(t, acc.deposit(i * 10))
		require.NoError(t, repo.Save(ctx, acc))
	}

	snap, err := store.LoadSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Positive(t, snap.Version)
	assert.LessOrEqual(t, snap.Version, acc.Version())

	// rehydrate through the snapshot path
	fromSnapshot := newAccount("acc-1")
	require.NoError(t, repo.Load(ctx, fromSnapshot))

	// rehydrate by full replay from version 0
	fromReplay := newAccount("acc-1")
	events, err := store.Load(ctx, "acc-1", 0)
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, fromReplay.ApplyEvent(e))
		fromReplay.SetVersion(e.Version)
	}

	assert.Equal(t, fromReplay.Owner, fromSnapshot.Owner)
	assert.Equal(t, fromReplay.Balance, fromSnapshot.Balance)
	assert.Equal(t, fromReplay.Version(), fromSnapshot.Version())
	assert.Equal(t, 100, fromSnapshot.Balance)
}

func TestLoadWhenSnapshotCoversStream(t *testing.T) {
	store := NewMemoryStore()
	repo := NewRepository(store, observability.NopLogger(), 1)
	ctx := context.Background()

	acc := newAccount("acc-1")
	require.NoError(t, acc.open("alice"))
	require.NoError(t, repo.Save(ctx, acc))

	loaded := newAccount("acc-1")
	require.NoError(t, repo.Load(ctx, loaded))
	assert.Equal(t, "alice", loaded.Owner)
	assert.EqualValues(t, 1, loaded.Version())
}

func TestSaveWithoutChangesIsNoop(t *testing.T) {
	store := NewMemoryStore()
	repo := NewRepository(store, observability.NopLogger(), 100)

	acc := newAccount("acc-1")
	require.NoError(t, repo.Save(context.Background(), acc))

	_, err := store.Load(context.Background(), "acc-1", 0)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}
