package consistency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/observability"
)

func TestManagerUsesConfiguredDefaultLevel(t *testing.T) {
	conf := testCacheConf()
	conf.Level = "bounded_staleness"
	conf.MaxStaleness = 5 * time.Millisecond

	mg, err := NewManager(observability.NopLogger(), nil, conf, nil)
	require.NoError(t, err)

	require.NoError(t, mg.Write(context.Background(), "k", []byte("v"), ""))

	got, err := mg.Read(context.Background(), "k", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	time.Sleep(10 * time.Millisecond)

	// default level rejects the aged entry, an explicit weak read overrides
	_, err = mg.Read(context.Background(), "k", "")
	assert.ErrorIs(t, err, ErrStale)
	_, err = mg.Read(context.Background(), "k", Weak)
	assert.NoError(t, err)
}

func TestManagerRejectsUnknownLevel(t *testing.T) {
	conf := testCacheConf()
	conf.Level = "serializable"
	_, err := NewManager(observability.NopLogger(), nil, conf, nil)
	assert.Error(t, err)
}

func TestManagerInvalidateAndSession(t *testing.T) {
	mg, err := NewManager(observability.NopLogger(), nil, testCacheConf(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	sess := mg.Session()
	require.NoError(t, sess.Set(ctx, "k", []byte("v")))

	e, err := sess.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), e.Value)

	mg.Invalidate("k")
	_, err = mg.Read(ctx, "k", Weak)
	assert.ErrorIs(t, err, ErrNotFound)
}
