package writethrough

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/cache"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/filter"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/shard"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
)

// FilterExchange publishes this instance's filter snapshot and collects
// the other instances' snapshots for merging. A nil exchange disables
// the sync loop.
type FilterExchange interface {
	PublishFilter(ctx context.Context, snapshot []byte) error
	CollectFilters(ctx context.Context) ([][]byte, error)
}

// Options configures the write-through manager
type Options struct {
	CacheTTL           time.Duration
	BatchSize          int
	FlushInterval      time.Duration
	MaxRetries         int
	FilterSyncInterval time.Duration
}

// Manager is the write-through cache tier. Reads consult the local
// cache and the filter pair before touching the sharded remote cache;
// writes land in the cache immediately and reach the durable store
// through a batched background writer.
type Manager struct {
	cache   *cache.LocalCache
	filters *filter.Pair
	router  *shard.Router
	durable store.DurableStore
	exch    FilterExchange
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	pending []store.WriteOp
	flushes int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a write-through manager over the given tiers
func New(localCache *cache.LocalCache, filters *filter.Pair, router *shard.Router, durable store.DurableStore, exch FilterExchange, opts Options, logger *zap.Logger) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Manager{
		cache:   localCache,
		filters: filters,
		router:  router,
		durable: durable,
		exch:    exch,
		opts:    opts,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the batch writer and filter sync loops
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.writerLoop()
	if m.exch != nil && m.opts.FilterSyncInterval > 0 {
		m.wg.Add(1)
		go m.filterSyncLoop()
	}
}

// Stop drains the loops and flushes any pending durable writes
func (m *Manager) Stop(ctx context.Context) {
	close(m.stopCh)
	m.wg.Wait()
	if err := m.Flush(ctx); err != nil {
		m.logger.Error("Final flush failed", zap.Error(err))
	}
}

// Get reads a notification through the cache tiers. The local cache is
// authoritative when it hits; otherwise the filter pair short-circuits
// known-deleted and known-absent keys before the remote read.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	if value, hit := m.cache.Get(key); hit {
		return value, nil
	}
	if m.filters.MaybeDeleted(key) {
		return nil, store.ErrNotFound
	}
	if !m.filters.MaybeExists(key) {
		return nil, store.ErrNotFound
	}

	value, err := m.router.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	m.cache.Put(ctx, key, value, m.opts.CacheTTL)
	m.filters.MarkExists(key)
	return value, nil
}

// Set writes a notification through every tier: local cache and filter
// synchronously, the sharded remote cache inline, and the durable store
// through the batched writer
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.opts.CacheTTL
	}

	m.cache.Put(ctx, key, value, ttl)
	m.filters.MarkExists(key)
	m.enqueue(ctx, store.WriteOp{Kind: store.WriteOpUpsert, RecordID: key, Payload: value})

	if err := m.router.Write(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("remote write for %s failed: %w", key, err)
	}
	return nil
}

// Delete removes a notification from every tier. The deletion filter
// makes the removal visible to peers before the change-set arrives.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	m.filters.MarkDeleted(key)
	m.enqueue(ctx, store.WriteOp{Kind: store.WriteOpDelete, RecordID: key})

	if err := m.router.Delete(ctx, key); err != nil {
		return fmt.Errorf("remote delete for %s failed: %w", key, err)
	}
	return nil
}

// ApplyRemote applies a change-set entry from another instance to the
// local tiers without re-propagating it
func (m *Manager) ApplyRemote(ctx context.Context, update model.CacheUpdate) {
	switch update.Op {
	case model.UpdateOpSet:
		m.cache.Put(ctx, update.Key, update.Value, update.TTL)
		m.filters.MarkExists(update.Key)
	case model.UpdateOpDelete:
		m.cache.Delete(update.Key)
		m.filters.MarkDeleted(update.Key)
	}
}

// enqueue appends a durable write and flushes when the batch fills
func (m *Manager) enqueue(ctx context.Context, op store.WriteOp) {
	m.mu.Lock()
	m.pending = append(m.pending, op)
	full := len(m.pending) >= m.opts.BatchSize
	var batch []store.WriteOp
	if full {
		batch = m.pending
		m.pending = nil
	}
	m.mu.Unlock()

	if full {
		m.flushBatch(ctx, batch)
	}
}

// Flush pushes all pending durable writes now
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return m.flushBatch(ctx, batch)
}

// flushBatch applies one batch, requeueing on failure until each op
// exhausts its retries and moves to the dead-letter table
func (m *Manager) flushBatch(ctx context.Context, batch []store.WriteOp) error {
	err := m.durable.ApplyBatch(ctx, batch)
	if err == nil {
		m.mu.Lock()
		m.flushes++
		m.mu.Unlock()
		m.logger.Debug("Flushed durable batch", zap.Int("ops", len(batch)))
		return nil
	}

	m.logger.Warn("Durable batch failed",
		zap.Int("ops", len(batch)),
		zap.Error(err))

	retry := make([]store.WriteOp, 0, len(batch))
	exhausted := make([]store.WriteOp, 0)
	for _, op := range batch {
		op.Attempts++
		if op.Attempts >= m.opts.MaxRetries {
			exhausted = append(exhausted, op)
		} else {
			retry = append(retry, op)
		}
	}

	if len(retry) > 0 {
		m.mu.Lock()
		m.pending = append(retry, m.pending...)
		m.mu.Unlock()
	}
	if len(exhausted) > 0 {
		m.deadLetterOps(ctx, exhausted, err)
	}
	return fmt.Errorf("durable batch of %d ops failed: %w", len(batch), err)
}

// deadLetterOps records ops that exhausted their retries
func (m *Manager) deadLetterOps(ctx context.Context, ops []store.WriteOp, cause error) {
	letters := make([]model.DeadLetter, len(ops))
	now := time.Now()
	for i, op := range ops {
		letters[i] = model.DeadLetter{
			RecordID: op.RecordID,
			Payload:  op.Payload,
			Reason:   fmt.Sprintf("durable write failed: %v", cause),
			Attempts: op.Attempts,
			FailedAt: now,
		}
	}
	if err := m.durable.InsertDeadLetters(ctx, letters); err != nil {
		m.logger.Error("Failed to record dead letters",
			zap.Int("count", len(letters)),
			zap.Error(err))
		return
	}

	event := &model.Event{
		Type: "notification.write.dead_letter",
		Data: map[string]interface{}{
			"count": len(ops),
			"cause": cause.Error(),
		},
		Timestamp: now,
		Version:   1,
	}
	if err := m.durable.AppendEvent(ctx, event); err != nil {
		m.logger.Error("Failed to append dead-letter event", zap.Error(err))
	}

	m.logger.Error("Dead-lettered durable writes",
		zap.Int("count", len(ops)))
}

// PendingWrites returns the current durable backlog size
func (m *Manager) PendingWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CacheStats exposes the local cache counters
func (m *Manager) CacheStats() cache.Stats {
	return m.cache.Stats()
}

// FilterBits exposes the filter pair fill counters
func (m *Manager) FilterBits() (exists, deleted uint64) {
	return m.filters.SetBits()
}

func (m *Manager) writerLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.FlushInterval)
			if err := m.Flush(ctx); err != nil {
				m.logger.Warn("Periodic flush failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// filterSyncLoop periodically publishes this instance's filter snapshot
// and merges snapshots published by peers
func (m *Manager) filterSyncLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.FilterSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.FilterSyncInterval)
			m.SyncFilters(ctx)
			cancel()
		}
	}
}

// SyncFilters performs one publish-and-merge exchange
func (m *Manager) SyncFilters(ctx context.Context) {
	if err := m.exch.PublishFilter(ctx, m.filters.Snapshot()); err != nil {
		m.logger.Warn("Failed to publish filter snapshot", zap.Error(err))
	}

	snapshots, err := m.exch.CollectFilters(ctx)
	if err != nil {
		m.logger.Warn("Failed to collect filter snapshots", zap.Error(err))
		return
	}
	for _, snapshot := range snapshots {
		if err := m.filters.MergeSnapshot(snapshot); err != nil {
			m.logger.Warn("Discarding incompatible filter snapshot", zap.Error(err))
		}
	}
}
