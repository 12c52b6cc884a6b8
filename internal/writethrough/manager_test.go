package writethrough

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/breaker"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/cache"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/filter"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/shard"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
)

// fakeDurable records applied batches and can fail on demand
type fakeDurable struct {
	mu      sync.Mutex
	failing bool
	batches [][]store.WriteOp
	letters []model.DeadLetter
	events  []*model.Event
}

var errDurableDown = errors.New("durable store unavailable")

func (f *fakeDurable) ApplyBatch(ctx context.Context, ops []store.WriteOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errDurableDown
	}
	f.batches = append(f.batches, ops)
	return nil
}

func (f *fakeDurable) AppendEvent(ctx context.Context, event *model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeDurable) InsertDeadLetters(ctx context.Context, letters []model.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.letters = append(f.letters, letters...)
	return nil
}

func (f *fakeDurable) Ping(ctx context.Context) error { return nil }
func (f *fakeDurable) Close()                         {}

func (f *fakeDurable) appliedOps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func newTestManager(t *testing.T, opts Options, exch FilterExchange) (*Manager, *fakeDurable, *store.MemoryStore) {
	t.Helper()
	remote := store.NewMemoryStore()
	router := shard.NewRouter([]*shard.Shard{{
		ID: 0,
		Primary: &shard.Endpoint{
			Name:    "shard-0-primary",
			Store:   remote,
			Breaker: breaker.New("shard-0-primary", 5, time.Minute, 1, zap.NewNop()),
		},
	}}, shard.Options{OperationTimeout: time.Second}, nil, zap.NewNop())

	localCache := cache.NewLocalCache(cache.Options{
		MaxEntries: 1000,
		DefaultTTL: time.Hour,
	}, nil, zap.NewNop())
	filters := filter.NewPair(10000, 0.01)
	durable := &fakeDurable{}

	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Hour
	}
	return New(localCache, filters, router, durable, exch, opts, zap.NewNop()), durable, remote
}

func TestManager_SetGetRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t, Options{BatchSize: 100}, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "n1", []byte(`{"id":"n1"}`), 0))

	got, err := m.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"n1"}`), got)
}

func TestManager_GetMissShortCircuits(t *testing.T) {
	m, _, remote := newTestManager(t, Options{BatchSize: 100}, nil)
	ctx := context.Background()

	// The key exists remotely but was never marked in the filter, so
	// the read never reaches the remote tier
	require.NoError(t, remote.Set(ctx, "hidden", []byte("v"), 0))

	_, err := m.Get(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.Get(ctx, "hidden")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_GetFallsThroughToRemote(t *testing.T) {
	m, _, _ := newTestManager(t, Options{BatchSize: 100}, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "n1", []byte("v1"), 0))

	// Evict from the local cache only; the remote copy survives
	m.cache.Delete("n1")

	got, err := m.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// And the read repopulated the local cache
	_, hit := m.cache.Get("n1")
	assert.True(t, hit)
}

func TestManager_DeleteWinsOverStaleCopies(t *testing.T) {
	m, _, remote := newTestManager(t, Options{BatchSize: 100}, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "n1", []byte("v1"), 0))
	require.NoError(t, m.Delete(ctx, "n1"))

	_, err := m.Get(ctx, "n1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The remote copy is gone too
	_, err = remote.Get(ctx, "n1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_SetAfterDeleteIsReadable(t *testing.T) {
	m, _, _ := newTestManager(t, Options{BatchSize: 100}, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "n1", []byte("v1"), 0))
	require.NoError(t, m.Delete(ctx, "n1"))

	// The deletion filter is append-only; a re-created key must still
	// be readable through the local cache
	require.NoError(t, m.Set(ctx, "n1", []byte("v2"), 0))

	got, err := m.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestManager_BatchFlushOnSize(t *testing.T) {
	m, durable, _ := newTestManager(t, Options{BatchSize: 3, FlushInterval: time.Hour}, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	assert.Zero(t, durable.appliedOps())

	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))
	assert.Equal(t, 3, durable.appliedOps())
	assert.Zero(t, m.PendingWrites())
}

func TestManager_FlushDrainsPending(t *testing.T) {
	m, durable, _ := newTestManager(t, Options{BatchSize: 100}, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Delete(ctx, "b"))
	assert.Equal(t, 2, m.PendingWrites())

	require.NoError(t, m.Flush(ctx))
	assert.Equal(t, 2, durable.appliedOps())
	assert.Zero(t, m.PendingWrites())

	// Kinds survive the trip
	durable.mu.Lock()
	defer durable.mu.Unlock()
	require.Len(t, durable.batches, 1)
	assert.Equal(t, store.WriteOpUpsert, durable.batches[0][0].Kind)
	assert.Equal(t, store.WriteOpDelete, durable.batches[0][1].Kind)
}

func TestManager_FailedBatchRetriesThenDeadLetters(t *testing.T) {
	m, durable, _ := newTestManager(t, Options{BatchSize: 100, MaxRetries: 3}, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "poison", []byte("v"), 0))

	durable.mu.Lock()
	durable.failing = true
	durable.mu.Unlock()

	// Two failures requeue, the third exhausts the retries
	assert.Error(t, m.Flush(ctx))
	assert.Equal(t, 1, m.PendingWrites())
	assert.Error(t, m.Flush(ctx))
	assert.Equal(t, 1, m.PendingWrites())
	assert.Error(t, m.Flush(ctx))
	assert.Zero(t, m.PendingWrites())

	durable.mu.Lock()
	defer durable.mu.Unlock()
	require.Len(t, durable.letters, 1)
	assert.Equal(t, "poison", durable.letters[0].RecordID)
	assert.Equal(t, 3, durable.letters[0].Attempts)
	require.Len(t, durable.events, 1)
	assert.Equal(t, "notification.write.dead_letter", durable.events[0].Type)
}

func TestManager_ApplyRemote(t *testing.T) {
	m, _, _ := newTestManager(t, Options{BatchSize: 100}, nil)
	ctx := context.Background()

	m.ApplyRemote(ctx, model.CacheUpdate{
		Op:    model.UpdateOpSet,
		Key:   "remote-1",
		Value: []byte(`{"id":"remote-1"}`),
		TTL:   time.Hour,
	})

	got, err := m.Get(ctx, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"remote-1"}`), got)

	// No durable write is scheduled for a propagated update
	assert.Zero(t, m.PendingWrites())

	m.ApplyRemote(ctx, model.CacheUpdate{Op: model.UpdateOpDelete, Key: "remote-1"})
	_, err = m.Get(ctx, "remote-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// fakeExchange is an in-process filter exchange between two managers
type fakeExchange struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	self      string
}

func (f *fakeExchange) PublishFilter(ctx context.Context, snapshot []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[f.self] = snapshot
	return nil
}

func (f *fakeExchange) CollectFilters(ctx context.Context) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for name, snapshot := range f.snapshots {
		if name != f.self {
			out = append(out, snapshot)
		}
	}
	return out, nil
}

func TestManager_FilterSyncSharesExistence(t *testing.T) {
	shared := make(map[string][]byte)
	exchA := &fakeExchange{snapshots: shared, self: "a"}
	exchB := &fakeExchange{snapshots: shared, self: "b"}

	a, _, _ := newTestManager(t, Options{BatchSize: 100}, exchA)
	b, _, _ := newTestManager(t, Options{BatchSize: 100}, exchB)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "n1", []byte("v1"), 0))
	assert.False(t, b.filters.MaybeExists("n1"))

	a.SyncFilters(ctx)
	b.SyncFilters(ctx)

	assert.True(t, b.filters.MaybeExists("n1"))
}
