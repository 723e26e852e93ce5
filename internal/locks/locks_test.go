package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/kv"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewManager(kv.NewWithClient(client, zap.NewNop()), zap.NewNop()), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	l1, ok, err := mgr.Acquire(ctx, "workflow:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = mgr.Acquire(ctx, "workflow:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l1.Release(ctx))

	_, ok, err = mgr.Acquire(ctx, "workflow:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseOnlyByHolder(t *testing.T) {
	mgr, mr := newTestManager(t)
	ctx := context.Background()

	l1, ok, err := mgr.Acquire(ctx, "build:sb-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate TTL expiry and takeover by another holder.
	mr.FastForward(2 * time.Minute)
	l2, ok, err := mgr.Acquire(ctx, "build:sb-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale holder must not free the new holder's lock.
	require.NoError(t, l1.Release(ctx))
	_, ok, err = mgr.Acquire(ctx, "build:sb-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l2.Release(ctx))
}

func TestReleaseIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	l, ok, err := mgr.Acquire(ctx, "resolve:wf-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))
}
