package runnerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	id        int
	alive     atomic.Bool
	connected atomic.Bool
}

func newFakeRunner(id int) *fakeRunner {
	r := &fakeRunner{id: id}
	r.alive.Store(true)
	r.connected.Store(true)
	return r
}

func (r *fakeRunner) IsAlive() bool { return r.alive.Load() }
func (r *fakeRunner) Disconnect(ctx context.Context) error {
	r.connected.Store(false)
	return nil
}

func factoryCounting(counter *atomic.Int64) Factory {
	return func(ctx context.Context) (Runner, error) {
		n := counter.Add(1)
		return newFakeRunner(int(n)), nil
	}
}

func TestPool_AcquireBySessionHit(t *testing.T) {
	var counter atomic.Int64
	pool := New(Config{MaxSize: 4, TTL: time.Hour}, factoryCounting(&counter), nil)
	ctx := context.Background()

	r, err := pool.Acquire(ctx, "")
	require.NoError(t, err)
	pool.Release(r, "session-1")

	got, err := pool.Acquire(ctx, "session-1")
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.Equal(t, int64(1), pool.Stats().Hits)
}

func TestPool_AcquireBySessionMissFallsBackToGeneric(t *testing.T) {
	var counter atomic.Int64
	pool := New(Config{MaxSize: 4, TTL: time.Hour}, factoryCounting(&counter), nil)
	ctx := context.Background()

	generic, err := pool.Acquire(ctx, "")
	require.NoError(t, err)
	pool.Release(generic, "")

	got, err := pool.Acquire(ctx, "session-unknown")
	require.NoError(t, err)
	assert.Same(t, generic, got)
	assert.Equal(t, int64(1), pool.Stats().Misses)
}

func TestPool_AcquireConstructsNewWhenEmpty(t *testing.T) {
	var counter atomic.Int64
	pool := New(Config{MaxSize: 4}, factoryCounting(&counter), nil)

	r, err := pool.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.NotNil(t, r)
	assert.Equal(t, int64(1), counter.Load())
}

func TestPool_ReleaseEvictsLRUWhenFull(t *testing.T) {
	var counter atomic.Int64
	pool := New(Config{MaxSize: 2}, factoryCounting(&counter), nil)
	ctx := context.Background()

	r1, _ := pool.Acquire(ctx, "")
	r2, _ := pool.Acquire(ctx, "")
	r3, _ := pool.Acquire(ctx, "")

	pool.Release(r1, "session-1")
	pool.Release(r2, "session-2")
	// pool now full at max size 2; releasing a third must evict session-1 (LRU)
	pool.Release(r3, "session-3")

	time.Sleep(10 * time.Millisecond) // let the async discard goroutine run

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.LessOrEqual(t, stats.Total, 2)

	r1Fake := r1.(*fakeRunner)
	assert.False(t, r1Fake.connected.Load())
}

func TestPool_ReleaseSameSessionDifferentRunnerDiscardsOld(t *testing.T) {
	var counter atomic.Int64
	pool := New(Config{MaxSize: 4}, factoryCounting(&counter), nil)
	ctx := context.Background()

	r1, _ := pool.Acquire(ctx, "")
	r2, _ := pool.Acquire(ctx, "")

	pool.Release(r1, "session-1")
	pool.Release(r2, "session-1")

	time.Sleep(10 * time.Millisecond)

	assert.False(t, r1.(*fakeRunner).connected.Load())

	got, err := pool.Acquire(ctx, "session-1")
	require.NoError(t, err)
	assert.Same(t, r2, got)
}

func TestPool_AcquireDiscardsTTLExpiredSessionEntry(t *testing.T) {
	var counter atomic.Int64
	pool := New(Config{MaxSize: 4, TTL: time.Millisecond}, factoryCounting(&counter), nil)
	ctx := context.Background()

	r1, _ := pool.Acquire(ctx, "")
	pool.Release(r1, "session-1")

	time.Sleep(5 * time.Millisecond)

	got, err := pool.Acquire(ctx, "session-1")
	require.NoError(t, err)
	assert.NotSame(t, r1, got, "TTL-expired session entry must not be handed back")
	assert.Equal(t, int64(1), pool.Stats().Misses)
}

func TestPool_PreWarmConstructsAndInserts(t *testing.T) {
	var counter atomic.Int64
	pool := New(Config{MaxSize: 4}, factoryCounting(&counter), nil)

	warmed := pool.PreWarm(context.Background(), 3)
	assert.Equal(t, 3, warmed)
	assert.Equal(t, 3, pool.Stats().GenericCount)
}

func TestPool_ShutdownDisconnectsEverything(t *testing.T) {
	var counter atomic.Int64
	pool := New(Config{MaxSize: 4}, factoryCounting(&counter), nil)
	ctx := context.Background()

	r1, _ := pool.Acquire(ctx, "")
	pool.Release(r1, "session-1")
	r2, _ := pool.Acquire(ctx, "")
	pool.Release(r2, "")

	count := pool.Shutdown(ctx)
	assert.Equal(t, 2, count)
	assert.False(t, r1.(*fakeRunner).connected.Load())
	assert.False(t, r2.(*fakeRunner).connected.Load())
}

func TestPool_MaintenanceReplenishesGenericPool(t *testing.T) {
	var counter atomic.Int64
	pool := New(Config{MaxSize: 8, MinGeneric: 2, MaintenanceInterval: 10 * time.Millisecond}, factoryCounting(&counter), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.StartMaintenance(ctx)
	defer pool.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return pool.Stats().GenericCount >= 2
	}, time.Second, 5*time.Millisecond)
}
