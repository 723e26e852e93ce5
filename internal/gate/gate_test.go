package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/kv"
)

func newTestGate(t *testing.T, maxPer int) (*Gate, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(kv.NewWithClient(client, zap.NewNop()), maxPer, time.Minute, zap.NewNop()), mr
}

func TestAcquireUpToLimit(t *testing.T) {
	g, _ := newTestGate(t, 2)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "third concurrent acquire must be rejected")

	// Another user is unaffected.
	ok, err = g.Acquire(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseFreesSlotAndDeletesAtZero(t *testing.T) {
	g, mr := newTestGate(t, 1)
	ctx := context.Background()

	ok, _ := g.Acquire(ctx, "u1")
	require.True(t, ok)

	g.Release(ctx, "u1")
	assert.False(t, mr.Exists("user:concurrency:u1"), "counter deleted at zero")

	ok, _ = g.Acquire(ctx, "u1")
	assert.True(t, ok)
}

func TestSlotTTLRecoversCrashedHolder(t *testing.T) {
	g, mr := newTestGate(t, 1)
	ctx := context.Background()

	ok, _ := g.Acquire(ctx, "u1")
	require.True(t, ok)

	// Holder crashes without releasing; the TTL frees the slot.
	mr.FastForward(2 * time.Minute)

	ok, _ = g.Acquire(ctx, "u1")
	assert.True(t, ok)
}

func TestConcurrentAcquiresNeverExceedLimit(t *testing.T) {
	g, _ := newTestGate(t, 2)
	ctx := context.Background()

	var mu sync.Mutex
	granted := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.Acquire(ctx, "u1")
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, granted)
}
