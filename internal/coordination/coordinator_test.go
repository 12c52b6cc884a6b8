package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
)

func testOptions() Options {
	return Options{
		ElectionInterval: 15 * time.Second,
		LeaseTTL:         45 * time.Second,
		ChangeSetTTL:     2 * time.Minute,
	}
}

func TestCoordinator_SingleLeader(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	a := New(kv, "node-a", testOptions(), nil, zap.NewNop())
	b := New(kv, "node-b", testOptions(), nil, zap.NewNop())

	require.NoError(t, a.RunCycle(ctx))
	require.NoError(t, b.RunCycle(ctx))

	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	// The leader keeps the lease across cycles
	require.NoError(t, a.RunCycle(ctx))
	require.NoError(t, b.RunCycle(ctx))
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())
}

func TestCoordinator_FailoverAfterLeaseExpiry(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	a := New(kv, "node-a", testOptions(), nil, zap.NewNop())
	b := New(kv, "node-b", testOptions(), nil, zap.NewNop())

	require.NoError(t, a.RunCycle(ctx))
	require.True(t, a.IsLeader())

	// Leader stops renewing; its lease expires
	base := time.Now()
	kv.SetClock(func() time.Time { return base.Add(46 * time.Second) })

	require.NoError(t, b.RunCycle(ctx))
	assert.True(t, b.IsLeader())
}

func TestCoordinator_UpdatePropagation(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	var applied []model.CacheUpdate
	follower := New(kv, "node-b", testOptions(), func(u model.CacheUpdate) {
		applied = append(applied, u)
	}, zap.NewNop())
	leader := New(kv, "node-a", testOptions(), nil, zap.NewNop())

	require.NoError(t, leader.RunCycle(ctx))
	require.True(t, leader.IsLeader())

	// Follower contributes an update; leader collects and publishes it
	require.NoError(t, follower.SubmitUpdate(ctx, model.UpdateOpSet, "record-1", []byte(`{"id":"record-1"}`), time.Hour))
	require.NoError(t, leader.RunCycle(ctx))

	// The pending set is drained
	members, err := kv.SMembers(ctx, pendingSetKey)
	require.NoError(t, err)
	assert.Empty(t, members)

	// Follower does not re-apply its own contribution
	require.NoError(t, follower.RunCycle(ctx))
	assert.Empty(t, applied)

	// A third instance applies it
	var remote []model.CacheUpdate
	c := New(kv, "node-c", testOptions(), func(u model.CacheUpdate) {
		remote = append(remote, u)
	}, zap.NewNop())
	require.NoError(t, c.RunCycle(ctx))
	require.Len(t, remote, 1)
	assert.Equal(t, model.UpdateOpSet, remote[0].Op)
	assert.Equal(t, "record-1", remote[0].Key)
	assert.Equal(t, "node-b", remote[0].Source)
}

func TestCoordinator_ChangeSetAppliedOnce(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	leader := New(kv, "node-a", testOptions(), nil, zap.NewNop())
	var applied int
	follower := New(kv, "node-b", testOptions(), func(model.CacheUpdate) {
		applied++
	}, zap.NewNop())

	require.NoError(t, leader.RunCycle(ctx))
	require.NoError(t, leader.SubmitUpdate(ctx, model.UpdateOpDelete, "record-9", nil, 0))
	require.NoError(t, leader.RunCycle(ctx))

	require.NoError(t, follower.RunCycle(ctx))
	require.NoError(t, follower.RunCycle(ctx))
	assert.Equal(t, 1, applied)
}

func TestCoordinator_FilterExchange(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	a := New(kv, "node-a", testOptions(), nil, zap.NewNop())
	b := New(kv, "node-b", testOptions(), nil, zap.NewNop())

	require.NoError(t, a.PublishFilter(ctx, []byte("snapshot-a")))
	require.NoError(t, b.PublishFilter(ctx, []byte("snapshot-b")))

	// Each instance sees only the other's snapshot
	got, err := a.CollectFilters(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("snapshot-b"), got[0])

	got, err = b.CollectFilters(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("snapshot-a"), got[0])
}

func TestDistributedLock_MutualExclusion(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	first := NewLock(kv, "notify:lock:rebalance", time.Minute, 10*time.Millisecond, 50*time.Millisecond)
	second := NewLock(kv, "notify:lock:rebalance", time.Minute, 10*time.Millisecond, 50*time.Millisecond)

	acquired, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, first.Release(ctx))

	acquired, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestDistributedLock_GuardedRelease(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	holder := NewLock(kv, "notify:lock:x", time.Minute, 10*time.Millisecond, 50*time.Millisecond)
	intruder := NewLock(kv, "notify:lock:x", time.Minute, 10*time.Millisecond, 50*time.Millisecond)

	acquired, err := holder.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	// A non-holder cannot release
	assert.ErrorIs(t, intruder.Release(ctx), ErrLockNotHeld)

	// The holder still owns it
	acquired, err = intruder.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestDistributedLock_AcquireWaits(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	holder := NewLock(kv, "notify:lock:y", time.Minute, 5*time.Millisecond, 20*time.Millisecond)
	waiter := NewLock(kv, "notify:lock:y", time.Minute, 5*time.Millisecond, 20*time.Millisecond)

	acquired, err := holder.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	done := make(chan error, 1)
	go func() {
		done <- waiter.Acquire(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, holder.Release(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
