package eventstore

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/observability"
)

// fakeTxDB mimics the join semantics of the postgres wrapper: a nested
// WithinTransaction runs inside the caller's transaction and the outermost
// call decides commit or rollback. Writes become visible only on commit.
type fakeTxDB struct {
	inTx      bool
	pending   [][]any
	committed [][]any
}

func (d *fakeTxDB) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.inTx {
		return fn(ctx)
	}
	d.inTx = true
	defer func() { d.inTx = false }()

	if err := fn(ctx); err != nil {
		d.pending = nil
		return err
	}
	d.committed = append(d.committed, d.pending...)
	d.pending = nil
	return nil
}

func (d *fakeTxDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	d.pending = append(d.pending, args)
	return pgconn.CommandTag{}, nil
}

func (d *fakeTxDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (d *fakeTxDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return versionRow(len(d.committed) + len(d.pending))
}

func (d *fakeTxDB) Close() {}

type versionRow int64

func (r versionRow) Scan(dest ...any) error {
	*(dest[0].(*int64)) = int64(r)
	return nil
}

func TestAppendJoinsAmbientTransaction(t *testing.T) {
	fdb := &fakeTxDB{}
	store := NewPostgresStore(fdb, observability.NopLogger())

	e, err := NewEvent("AccountOpened", "acc-1", "Account", map[string]any{"owner": "alice"})
	require.NoError(t, err)

	// the business write fails after the append, the whole transaction rolls
	// back, and no events survive
	txErr := fdb.WithinTransaction(context.Background(), func(txCtx context.Context) error {
		require.NoError(t, store.Append(txCtx, "acc-1", []DomainEvent{e}, 0))
		return errors.New("business write failed")
	})
	require.Error(t, txErr)
	assert.Empty(t, fdb.committed)
}

func TestAppendCommitsWithAmbientTransaction(t *testing.T) {
	fdb := &fakeTxDB{}
	store := NewPostgresStore(fdb, observability.NopLogger())

	e, err := NewEvent("AccountOpened", "acc-1", "Account", map[string]any{"owner": "alice"})
	require.NoError(t, err)

	txErr := fdb.WithinTransaction(context.Background(), func(txCtx context.Context) error {
		return store.Append(txCtx, "acc-1", []DomainEvent{e}, 0)
	})
	require.NoError(t, txErr)
	assert.Len(t, fdb.committed, 1)
}
