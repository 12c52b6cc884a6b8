package service

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
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/config"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/filter"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/queue"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/ratelimit"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/shard"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/writethrough"
)

// auditSink records audit events and dead letters
type auditSink struct {
	mu      sync.Mutex
	events  []*model.Event
	letters []model.DeadLetter
}

func (a *auditSink) ApplyBatch(ctx context.Context, ops []store.WriteOp) error { return nil }

func (a *auditSink) AppendEvent(ctx context.Context, event *model.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *auditSink) InsertDeadLetters(ctx context.Context, letters []model.DeadLetter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.letters = append(a.letters, letters...)
	return nil
}

func (a *auditSink) Ping(ctx context.Context) error { return nil }
func (a *auditSink) Close()                         {}

// flakyStore fails writes on demand to force processing retries
type flakyStore struct {
	*store.MemoryStore
	failSet bool
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSet {
		return errors.New("injected write failure")
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

type fixture struct {
	svc    *NotificationService
	queue  *queue.PriorityQueue
	audit  *auditSink
	remote *flakyStore
}

func newFixture(t *testing.T, admission *ratelimit.Controller) *fixture {
	t.Helper()
	remote := &flakyStore{MemoryStore: store.NewMemoryStore()}
	router := shard.NewRouter([]*shard.Shard{{
		ID: 0,
		Primary: &shard.Endpoint{
			Name:    "shard-0-primary",
			Store:   remote,
			Breaker: breaker.New("shard-0-primary", 5, time.Minute, 1, zap.NewNop()),
		},
	}}, shard.Options{OperationTimeout: time.Second}, nil, zap.NewNop())

	localCache := cache.NewLocalCache(cache.Options{MaxEntries: 1000, DefaultTTL: time.Hour}, nil, zap.NewNop())
	filters := filter.NewPair(10000, 0.01)
	audit := &auditSink{}
	tier := writethrough.New(localCache, filters, router, audit, nil,
		writethrough.Options{CacheTTL: time.Hour, BatchSize: 100}, zap.NewNop())

	q := queue.New(store.NewMemoryStore(), queue.Options{
		RecordTTL:   time.Hour,
		MaxAttempts: 5,
		DecayFactor: 0.8,
	}, nil, zap.NewNop())

	svc := New(q, tier, admission, nil, audit, nil, Options{
		BatchSize: 50,
		PollWait:  time.Second,
		CacheTTL:  time.Hour,
	}, zap.NewNop())

	return &fixture{svc: svc, queue: q, audit: audit, remote: remote}
}

func notification(userID string) *model.NotificationRecord {
	return &model.NotificationRecord{
		UserID:   userID,
		Priority: model.PriorityNormal,
		Type:     model.TypeSystem,
		Payload:  map[string]interface{}{"message": "hello"},
	}
}

func TestService_EnqueueAssignsID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.EnqueueNotification(ctx, notification("alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	depth, err := f.svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// The enqueue left an audit trail
	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, "notification.enqueued", f.audit.events[0].Type)
	assert.Equal(t, id, f.audit.events[0].Data["record_id"])
}

func TestService_EnqueueRejectsInvalid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.EnqueueNotification(ctx, &model.NotificationRecord{})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	bad := notification("alice")
	bad.Priority = "critical"
	_, err = f.svc.EnqueueNotification(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestService_EnqueueDefaultsPriorityAndType(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	record := &model.NotificationRecord{Payload: map[string]interface{}{"m": "x"}}
	id, err := f.svc.EnqueueNotification(ctx, record)
	require.NoError(t, err)

	loaded, err := f.queue.Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityNormal, loaded.Priority)
	assert.Equal(t, model.TypeOther, loaded.Type)
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestService_AdmissionRejects(t *testing.T) {
	admission := ratelimit.New(map[string]config.AdmissionProfile{
		"user":   {Rate: 1, Burst: 2, MinRate: 1, MaxRate: 10},
		"global": {Rate: 1000, Burst: 2000, MinRate: 100, MaxRate: 10000},
	}, ratelimit.Options{}, nil, zap.NewNop())
	f := newFixture(t, admission)
	ctx := context.Background()

	_, err := f.svc.EnqueueNotification(ctx, notification("alice"))
	require.NoError(t, err)
	_, err = f.svc.EnqueueNotification(ctx, notification("alice"))
	require.NoError(t, err)

	_, err = f.svc.EnqueueNotification(ctx, notification("alice"))
	assert.ErrorIs(t, err, ErrAdmissionDenied)

	// Other users are unaffected
	_, err = f.svc.EnqueueNotification(ctx, notification("bob"))
	assert.NoError(t, err)
}

func TestService_ProcessBatchDelivers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.EnqueueNotification(ctx, notification("alice"))
	require.NoError(t, err)

	require.NoError(t, f.svc.ProcessBatch(ctx))

	depth, err := f.svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	got, err := f.svc.GetNotification(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "hello", got.Payload["message"])
}

func TestService_GetMissingNotification(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.GetNotification(context.Background(), "nope", "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_FailedProcessingRequeues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.EnqueueNotification(ctx, notification("alice"))
	require.NoError(t, err)

	f.remote.failSet = true
	require.NoError(t, f.svc.ProcessBatch(ctx))

	// The entry went back into the queue with a penalty
	depth, err := f.svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Once the shard recovers, the next batch delivers it
	f.remote.failSet = false
	require.NoError(t, f.svc.ProcessBatch(ctx))
	depth, err = f.svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestService_DeleteNotification(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.EnqueueNotification(ctx, notification("alice"))
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessBatch(ctx))

	require.NoError(t, f.svc.DeleteNotification(ctx, id, "alice"))

	_, err = f.svc.GetNotification(ctx, id, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
